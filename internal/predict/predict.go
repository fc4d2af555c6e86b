// Package predict scores feature vectors with a swappable model.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/metrics"
	"github.com/lazypower/tether/internal/window"
)

var (
	ErrModelUnavailable = errors.New("no prediction model loaded")
	ErrInvalidInput     = errors.New("invalid feature vector")
	ErrCanceled         = errors.New("prediction canceled")
)

// LowConfidence is attached to every fallback result.
const LowConfidence = 0.25

// Estimate is a raw model output.
type Estimate struct {
	Probability float64
	Confidence  float64
}

// Model scores a feature vector with the probability that the link will
// degrade within the prediction horizon.
type Model interface {
	Version() string
	Score(ctx context.Context, fv window.FeatureVector) (Estimate, error)
}

// Result is a prediction for one device.
type Result struct {
	DeviceID     string    `json:"device_id"`
	Probability  float64   `json:"probability"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"model_version"`
	Timestamp    time.Time `json:"timestamp"`
	Fallback     bool      `json:"fallback"`
}

// Fresh reports whether r is still usable for decisions at now.
func (r Result) Fresh(now time.Time, horizon time.Duration) bool {
	return !r.Timestamp.IsZero() && now.Sub(r.Timestamp) <= horizon
}

// Options configures a Service.
type Options struct {
	Timeout           time.Duration
	FallbackThreshold float64
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Service wraps the active model with a time budget and a deterministic
// fallback. Safe for concurrent use.
type Service struct {
	mu       sync.RWMutex
	model    Model
	timeout  time.Duration
	fallback *Heuristic
	log      *zap.Logger
	metrics  *metrics.Metrics

	Now func() time.Time
}

// NewService creates a Service. model may be nil; Predict then returns
// ErrModelUnavailable and callers use Fallback.
func NewService(model Model, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		model:    model,
		timeout:  opts.Timeout,
		fallback: NewHeuristic(opts.FallbackThreshold),
		log:      opts.Logger,
		metrics:  opts.Metrics,
		Now:      time.Now,
	}
}

// Model returns the active model, or nil.
func (s *Service) Model() Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Swap replaces the active model. In-flight predictions finish on the old one.
func (s *Service) Swap(m Model) {
	s.mu.Lock()
	old := s.model
	s.model = m
	s.mu.Unlock()

	from, to := "none", "none"
	if old != nil {
		from = old.Version()
	}
	if m != nil {
		to = m.Version()
	}
	s.log.Info("model swapped", zap.String("from", from), zap.String("to", to))
}

// Predict scores fv with the active model. Timeouts, model errors and
// non-finite outputs degrade to Fallback; a canceled ctx returns ErrCanceled.
func (s *Service) Predict(ctx context.Context, fv window.FeatureVector) (Result, error) {
	if err := fv.Validate(); err != nil {
		s.metrics.Prediction("error", 0)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
	model := s.Model()
	if model == nil {
		s.metrics.Prediction("error", 0)
		return Result{}, ErrModelUnavailable
	}

	start := time.Now()
	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		est Estimate
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		est, err := model.Score(mctx, fv)
		done <- outcome{est, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-mctx.Done():
		out.err = mctx.Err()
	}
	elapsed := time.Since(start).Seconds()

	if ctx.Err() != nil {
		s.metrics.Prediction("canceled", elapsed)
		return Result{}, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
	if out.err != nil || !finite(out.est.Probability) || !finite(out.est.Confidence) {
		s.log.Debug("model degraded to fallback",
			zap.String("device", fv.DeviceID),
			zap.String("model", model.Version()),
			zap.Error(out.err))
		s.metrics.Prediction("fallback", elapsed)
		return s.Fallback(fv), nil
	}

	s.metrics.Prediction("model", elapsed)
	return Result{
		DeviceID:     fv.DeviceID,
		Probability:  clamp01(out.est.Probability),
		Confidence:   clamp01(out.est.Confidence),
		ModelVersion: model.Version(),
		Timestamp:    s.Now(),
	}, nil
}

// Fallback scores fv with the signal-threshold heuristic at LowConfidence.
func (s *Service) Fallback(fv window.FeatureVector) Result {
	est := s.fallback.estimate(fv)
	return Result{
		DeviceID:     fv.DeviceID,
		Probability:  est.Probability,
		Confidence:   LowConfidence,
		ModelVersion: s.fallback.Version(),
		Timestamp:    s.Now(),
		Fallback:     true,
	}
}

// Info describes the active model for inspection.
type Info struct {
	Loaded   bool          `json:"loaded"`
	Version  string        `json:"version,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	Fallback string        `json:"fallback"`
}

func (s *Service) Info() Info {
	info := Info{Timeout: s.timeout, Fallback: s.fallback.Version()}
	if m := s.Model(); m != nil {
		info.Loaded = true
		info.Version = m.Version()
	}
	return info
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

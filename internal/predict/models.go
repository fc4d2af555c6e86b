package predict

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lazypower/tether/internal/window"
)

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// confidence grows with the number of samples behind the vector and with
// the distance of p from the 0.5 decision boundary.
func confidence(p float64, count int) float64 {
	support := math.Min(1, float64(count)/10)
	return clamp01(0.4*support + 0.6*math.Abs(2*p-1))
}

// Heuristic maps the latest signal against a fixed threshold.
type Heuristic struct {
	ThresholdDBm float64
	// Scale is the dBm distance that moves the score by one logit.
	Scale float64
}

func NewHeuristic(thresholdDBm float64) *Heuristic {
	if thresholdDBm == 0 {
		thresholdDBm = -85
	}
	return &Heuristic{ThresholdDBm: thresholdDBm, Scale: 4}
}

func (h *Heuristic) Version() string {
	return fmt.Sprintf("heuristic@%gdBm", h.ThresholdDBm)
}

func (h *Heuristic) Score(ctx context.Context, fv window.FeatureVector) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	return h.estimate(fv), nil
}

func (h *Heuristic) estimate(fv window.FeatureVector) Estimate {
	p := sigmoid((h.ThresholdDBm - fv.LastSignal) / h.Scale)
	return Estimate{Probability: p, Confidence: confidence(p, fv.Count)}
}

// Logistic is a linear model over named features.
type Logistic struct {
	Tag       string
	Intercept float64
	Weights   map[string]float64
}

// DefaultLogistic returns the built-in weights used when no artifact is
// configured.
func DefaultLogistic() *Logistic {
	return &Logistic{
		Tag:       "builtin-logistic-1",
		Intercept: -8.5,
		Weights: map[string]float64{
			"last_signal":           -0.1,
			"slope":                 -1.5,
			"variance":              0.005,
			"battery_delta":         -0.02,
			"ctx_wifi-interference": 0.4,
			"ctx_moving":            0.3,
		},
	}
}

// NewLogistic checks that every weight names a known feature.
func NewLogistic(version string, intercept float64, weights map[string]float64) (*Logistic, error) {
	var zero window.FeatureVector
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := zero.Feature(name); !ok {
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		if !finite(weights[name]) {
			return nil, fmt.Errorf("weight %q is not finite", name)
		}
	}
	if !finite(intercept) {
		return nil, fmt.Errorf("intercept is not finite")
	}
	return &Logistic{Tag: version, Intercept: intercept, Weights: weights}, nil
}

func (l *Logistic) Version() string { return l.Tag }

func (l *Logistic) Score(ctx context.Context, fv window.FeatureVector) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	z := l.Intercept
	for name, w := range l.Weights {
		v, ok := fv.Feature(name)
		if !ok {
			return Estimate{}, fmt.Errorf("unknown feature %q", name)
		}
		z += w * v
	}
	p := sigmoid(z)
	return Estimate{Probability: p, Confidence: confidence(p, fv.Count)}, nil
}

// Trend extrapolates the window's slope over a horizon and scores the
// projected signal against a threshold. Noisy windows lower confidence.
type Trend struct {
	Tag          string
	ThresholdDBm float64
	Horizon      time.Duration
	Scale        float64
}

func NewTrend(version string, thresholdDBm float64, horizon time.Duration) *Trend {
	if version == "" {
		version = "trend-1"
	}
	if thresholdDBm == 0 {
		thresholdDBm = -85
	}
	if horizon <= 0 {
		horizon = 10 * time.Second
	}
	return &Trend{Tag: version, ThresholdDBm: thresholdDBm, Horizon: horizon, Scale: 4}
}

func (t *Trend) Version() string { return t.Tag }

func (t *Trend) Score(ctx context.Context, fv window.FeatureVector) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	projected := fv.LastSignal + fv.Slope*t.Horizon.Seconds()
	p := sigmoid((t.ThresholdDBm - projected) / t.Scale)
	noise := 1 / (1 + math.Sqrt(fv.Variance)/20)
	return Estimate{Probability: p, Confidence: confidence(p, fv.Count) * noise}, nil
}

package predict

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/metrics"
	"github.com/lazypower/tether/internal/telemetry"
	"github.com/lazypower/tether/internal/window"
)

func vector(last, slope float64, count int) window.FeatureVector {
	return window.FeatureVector{
		DeviceID:   "d1",
		WindowTime: time.Unix(1000, 0),
		LastSignal: last,
		MeanSignal: last,
		Slope:      slope,
		Hour:       12,
		Count:      count,
		Span:       time.Duration(count) * time.Second,
	}
}

func newService(t *testing.T, m Model) (*Service, *metrics.Metrics) {
	t.Helper()
	mm := metrics.New(prometheus.NewRegistry())
	svc := NewService(m, Options{
		Timeout:           50 * time.Millisecond,
		FallbackThreshold: -85,
		Logger:            zaptest.NewLogger(t),
		Metrics:           mm,
	})
	return svc, mm
}

func TestPredictUsesModel(t *testing.T) {
	svc, mm := newService(t, &MockModel{Tag: "m1", Estimate: Estimate{Probability: 0.8, Confidence: 0.9}})
	now := time.Unix(2000, 0)
	svc.Now = func() time.Time { return now }

	res, err := svc.Predict(context.Background(), vector(-70, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DeviceID)
	assert.Equal(t, 0.8, res.Probability)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, "m1", res.ModelVersion)
	assert.False(t, res.Fallback)
	assert.True(t, res.Timestamp.Equal(now))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.Predictions.WithLabelValues("model")))
}

func TestPredictClampsOutput(t *testing.T) {
	svc, _ := newService(t, &MockModel{Estimate: Estimate{Probability: 1.7, Confidence: -2}})

	res, err := svc.Predict(context.Background(), vector(-70, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Probability)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestPredictInvalidInput(t *testing.T) {
	svc, _ := newService(t, &MockModel{})
	fv := vector(-70, 0, 5)
	fv.Variance = math.Inf(1)

	_, err := svc.Predict(context.Background(), fv)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPredictNoModel(t *testing.T) {
	svc, _ := newService(t, nil)

	_, err := svc.Predict(context.Background(), vector(-70, 0, 5))
	assert.ErrorIs(t, err, ErrModelUnavailable)

	// Fallback still works without a model
	res := svc.Fallback(vector(-95, 0, 5))
	assert.True(t, res.Fallback)
	assert.Equal(t, LowConfidence, res.Confidence)
	assert.Greater(t, res.Probability, 0.5)
}

func TestPredictTimeoutFallsBack(t *testing.T) {
	svc, mm := newService(t, &MockModel{Delay: time.Second, Estimate: Estimate{Probability: 0.1, Confidence: 0.9}})

	start := time.Now()
	res, err := svc.Predict(context.Background(), vector(-95, 0, 5))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Fallback)
	assert.Equal(t, LowConfidence, res.Confidence)
	assert.Greater(t, res.Probability, 0.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.Predictions.WithLabelValues("fallback")))
}

func TestPredictModelErrorFallsBack(t *testing.T) {
	svc, _ := newService(t, &MockModel{Err: errors.New("boom")})

	res, err := svc.Predict(context.Background(), vector(-60, 0, 5))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Less(t, res.Probability, 0.5)
}

func TestPredictNonFiniteOutputFallsBack(t *testing.T) {
	svc, _ := newService(t, &MockModel{Estimate: Estimate{Probability: math.NaN(), Confidence: 1}})

	res, err := svc.Predict(context.Background(), vector(-60, 0, 5))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestPredictCanceled(t *testing.T) {
	svc, _ := newService(t, &MockModel{Delay: time.Second})
	svc.timeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := svc.Predict(ctx, vector(-60, 0, 5))
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = svc.Predict(ctx, vector(-60, 0, 5))
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestSwap(t *testing.T) {
	svc, _ := newService(t, &MockModel{Tag: "a"})
	svc.Swap(&MockModel{Tag: "b"})
	assert.Equal(t, "b", svc.Model().Version())
	assert.Equal(t, Info{Loaded: true, Version: "b", Timeout: 50 * time.Millisecond, Fallback: "heuristic@-85dBm"}, svc.Info())

	svc.Swap(nil)
	assert.False(t, svc.Info().Loaded)
}

func TestResultFresh(t *testing.T) {
	now := time.Unix(1000, 0)
	r := Result{Timestamp: now}
	assert.True(t, r.Fresh(now.Add(5*time.Second), 10*time.Second))
	assert.False(t, r.Fresh(now.Add(11*time.Second), 10*time.Second))
	assert.False(t, Result{}.Fresh(now, time.Hour))
}

func TestOutputsInRangeForRandomVectors(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	models := []Model{
		DefaultLogistic(),
		NewHeuristic(-85),
		NewTrend("", -85, 10*time.Second),
	}

	for i := 0; i < 2000; i++ {
		fv := window.FeatureVector{
			DeviceID:     "d1",
			LastSignal:   -127 + rng.Float64()*147,
			MeanSignal:   -127 + rng.Float64()*147,
			Slope:        (rng.Float64() - 0.5) * 200,
			Variance:     rng.Float64() * 5000,
			BatteryDelta: (rng.Float64() - 0.5) * 200,
			Hour:         rng.Intn(24),
			ContextMask:  telemetry.Flags(rng.Intn(16)),
			Count:        1 + rng.Intn(64),
		}
		for _, m := range models {
			svc, _ := newService(t, m)
			res, err := svc.Predict(context.Background(), fv)
			require.NoError(t, err)
			require.GreaterOrEqual(t, res.Probability, 0.0, m.Version())
			require.LessOrEqual(t, res.Probability, 1.0, m.Version())
			require.GreaterOrEqual(t, res.Confidence, 0.0, m.Version())
			require.LessOrEqual(t, res.Confidence, 1.0, m.Version())
		}
	}
}

func TestDefaultLogisticSeparatesHealthyFromDecaying(t *testing.T) {
	m := DefaultLogistic()
	ctx := context.Background()

	healthy, err := m.Score(ctx, vector(-60, 0, 10))
	require.NoError(t, err)
	assert.Less(t, healthy.Probability, 0.2)

	decaying := vector(-95, -3.9, 10)
	decaying.Variance = 125
	est, err := m.Score(ctx, decaying)
	require.NoError(t, err)
	assert.Greater(t, est.Probability, 0.9)
	assert.Greater(t, est.Confidence, 0.9)
}

func TestTrendProjectsSlope(t *testing.T) {
	m := NewTrend("t", -85, 10*time.Second)
	ctx := context.Background()

	falling, _ := m.Score(ctx, vector(-70, -3, 10))
	flat, _ := m.Score(ctx, vector(-70, 0, 10))
	assert.Greater(t, falling.Probability, 0.9)
	assert.Less(t, flat.Probability, 0.1)
}

func TestParseArtifact(t *testing.T) {
	m, err := ParseArtifact([]byte(`{"version":"v7","kind":"logistic","intercept":-1,"weights":{"last_signal":-0.02,"ctx_moving":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "v7", m.Version())
	l := m.(*Logistic)
	assert.Equal(t, -1.0, l.Intercept)

	m, err = ParseArtifact([]byte(`{"version":"t2","kind":"trend","threshold_dbm":-80,"horizon_seconds":5}`))
	require.NoError(t, err)
	tr := m.(*Trend)
	assert.Equal(t, 5*time.Second, tr.Horizon)
	assert.Equal(t, -80.0, tr.ThresholdDBm)

	m, err = ParseArtifact([]byte(`{"version":"h9","kind":"heuristic","threshold_dbm":-90}`))
	require.NoError(t, err)
	assert.Equal(t, "h9", m.Version())
}

func TestParseArtifactRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no version":      `{"kind":"heuristic"}`,
		"unknown kind":    `{"version":"x","kind":"forest"}`,
		"no weights":      `{"version":"x","kind":"logistic"}`,
		"unknown feature": `{"version":"x","kind":"logistic","weights":{"moon_phase":1}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseArtifact([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestNewModel(t *testing.T) {
	m, err := NewModel(config.PredictConfig{Model: "logistic"})
	require.NoError(t, err)
	assert.Equal(t, "builtin-logistic-1", m.Version())

	m, err = NewModel(config.PredictConfig{Model: "trend", FallbackThresholdDBm: -85})
	require.NoError(t, err)
	assert.IsType(t, &Trend{}, m)

	m, err = NewModel(config.PredictConfig{Model: "heuristic", FallbackThresholdDBm: -85})
	require.NoError(t, err)
	assert.IsType(t, &Heuristic{}, m)

	m, err = NewModel(config.PredictConfig{Model: "none"})
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewModel(config.PredictConfig{Model: "oracle"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"file-1","kind":"heuristic"}`), 0644))
	m, err = NewModel(config.PredictConfig{Model: "logistic", ModelPath: path})
	require.NoError(t, err)
	assert.Equal(t, "file-1", m.Version())
}

func TestWatcherReloadsArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"v1","kind":"heuristic"}`), 0644))

	m, err := LoadArtifact(path)
	require.NoError(t, err)
	svc, _ := newService(t, m)

	w, err := NewWatcher(path, svc, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// a broken artifact keeps the current model
	require.NoError(t, os.WriteFile(path, []byte(`{"version":`), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "v1", svc.Model().Version())

	require.NoError(t, os.WriteFile(path, []byte(`{"version":"v2","kind":"trend"}`), 0644))
	require.Eventually(t, func() bool {
		return svc.Model().Version() == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherStartFailureReleasesWatcher(t *testing.T) {
	svc, _ := newService(t, nil)
	w, err := NewWatcher(filepath.Join(t.TempDir(), "missing", "m.json"), svc, nil)
	require.NoError(t, err)

	require.Error(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.watcher.Add(t.TempDir()), fsnotify.ErrClosed)
	w.Stop()
}

func TestWatcherStopWithoutStart(t *testing.T) {
	svc, _ := newService(t, nil)
	w, err := NewWatcher(filepath.Join(t.TempDir(), "m.json"), svc, nil)
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}

// Package window turns a device's sample stream into feature vectors.
package window

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lazypower/tether/internal/telemetry"
)

// Config bounds a Window.
type Config struct {
	Capacity    int
	MinSamples  int
	MinInterval time.Duration
	Staleness   time.Duration
}

// FeatureVector summarizes the samples currently in a window.
type FeatureVector struct {
	DeviceID     string          `json:"device_id"`
	WindowTime   time.Time       `json:"window_time"`
	LastSignal   float64         `json:"last_signal"`
	MeanSignal   float64         `json:"mean_signal"`
	Slope        float64         `json:"slope"` // dBm per second
	Variance     float64         `json:"variance"`
	BatteryDelta float64         `json:"battery_delta"`
	Hour         int             `json:"hour"`
	ContextMask  telemetry.Flags `json:"context_mask"`
	Count        int             `json:"count"`
	Span         time.Duration   `json:"span"`
}

// Validate reports an error if any numeric field is not finite.
func (fv FeatureVector) Validate() error {
	for name, v := range map[string]float64{
		"last_signal":   fv.LastSignal,
		"mean_signal":   fv.MeanSignal,
		"slope":         fv.Slope,
		"variance":      fv.Variance,
		"battery_delta": fv.BatteryDelta,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature %s is not finite: %v", name, v)
		}
	}
	if fv.Hour < 0 || fv.Hour > 23 {
		return fmt.Errorf("feature hour out of range: %d", fv.Hour)
	}
	return nil
}

// Feature looks up a feature by its artifact name. Context flags are
// exposed as 0/1 features named ctx_<flag>.
func (fv FeatureVector) Feature(name string) (float64, bool) {
	switch name {
	case "last_signal":
		return fv.LastSignal, true
	case "mean_signal":
		return fv.MeanSignal, true
	case "slope":
		return fv.Slope, true
	case "variance":
		return fv.Variance, true
	case "battery_delta":
		return fv.BatteryDelta, true
	case "hour":
		return float64(fv.Hour), true
	case "count":
		return float64(fv.Count), true
	case "span_seconds":
		return fv.Span.Seconds(), true
	}
	if flag, ok := strings.CutPrefix(name, "ctx_"); ok {
		f, err := telemetry.ParseFlags([]string{flag})
		if err != nil {
			return 0, false
		}
		if fv.ContextMask&f != 0 {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Window is a fixed-capacity ring of samples for one device. Not safe for
// concurrent use; each device worker owns its window.
type Window struct {
	cfg      Config
	buf      []telemetry.Sample
	head     int // index of the oldest sample
	n        int
	lastEmit time.Time
}

func New(cfg Config) *Window {
	if cfg.Capacity < 2 {
		cfg.Capacity = 2
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	if cfg.MinSamples > cfg.Capacity {
		cfg.MinSamples = cfg.Capacity
	}
	return &Window{cfg: cfg, buf: make([]telemetry.Sample, cfg.Capacity)}
}

// Len returns the number of samples held.
func (w *Window) Len() int { return w.n }

// Reset clears all samples and the emission clock.
func (w *Window) Reset() {
	w.head = 0
	w.n = 0
	w.lastEmit = time.Time{}
}

func (w *Window) at(i int) telemetry.Sample {
	return w.buf[(w.head+i)%len(w.buf)]
}

func (w *Window) latest() telemetry.Sample {
	return w.at(w.n - 1)
}

// OnSample adds s and returns a feature vector when enough samples are
// present and MinInterval of sample time has passed since the last emission.
// A gap larger than Staleness discards what was accumulated.
func (w *Window) OnSample(s telemetry.Sample) (FeatureVector, bool) {
	if w.n > 0 && w.cfg.Staleness > 0 && s.Timestamp.Sub(w.latest().Timestamp) > w.cfg.Staleness {
		w.Reset()
	}

	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = s
		w.n++
	} else {
		w.buf[w.head] = s
		w.head = (w.head + 1) % len(w.buf)
	}

	if w.n < w.cfg.MinSamples {
		return FeatureVector{}, false
	}
	if !w.lastEmit.IsZero() && s.Timestamp.Sub(w.lastEmit) < w.cfg.MinInterval {
		return FeatureVector{}, false
	}

	fv := w.features()
	if fv.Validate() != nil {
		return FeatureVector{}, false
	}
	w.lastEmit = s.Timestamp
	return fv, true
}

// Expire clears the window if the device has been silent for longer than
// Staleness. lastArrival is when the latest sample was received.
func (w *Window) Expire(now, lastArrival time.Time) bool {
	if w.n == 0 || w.cfg.Staleness <= 0 {
		return false
	}
	if now.Sub(lastArrival) <= w.cfg.Staleness {
		return false
	}
	w.Reset()
	return true
}

func (w *Window) features() FeatureVector {
	first := w.at(0)
	last := w.latest()

	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.at(i).SignalDBm
	}
	mean := sum / float64(w.n)

	// least-squares slope over seconds since the first sample
	var xMean float64
	for i := 0; i < w.n; i++ {
		xMean += w.at(i).Timestamp.Sub(first.Timestamp).Seconds()
	}
	xMean /= float64(w.n)

	var sxy, sxx, variance float64
	for i := 0; i < w.n; i++ {
		s := w.at(i)
		dx := s.Timestamp.Sub(first.Timestamp).Seconds() - xMean
		dy := s.SignalDBm - mean
		sxy += dx * dy
		sxx += dx * dx
		variance += dy * dy
	}
	variance /= float64(w.n)

	var slope float64
	if sxx > 0 {
		slope = sxy / sxx
	}

	var firstBattery, lastBattery *float64
	for i := 0; i < w.n; i++ {
		if b := w.at(i).Battery; b != nil {
			if firstBattery == nil {
				firstBattery = b
			}
			lastBattery = b
		}
	}
	var batteryDelta float64
	if firstBattery != nil {
		batteryDelta = *lastBattery - *firstBattery
	}

	return FeatureVector{
		DeviceID:     last.DeviceID,
		WindowTime:   last.Timestamp,
		LastSignal:   last.SignalDBm,
		MeanSignal:   mean,
		Slope:        slope,
		Variance:     variance,
		BatteryDelta: batteryDelta,
		Hour:         last.Timestamp.Hour(),
		ContextMask:  last.Flags,
		Count:        w.n,
		Span:         last.Timestamp.Sub(first.Timestamp),
	}
}

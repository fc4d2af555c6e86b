// Package telemetry normalizes raw radio readings into samples.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/metrics"
)

var (
	ErrGarbled    = errors.New("garbled reading")
	ErrOutOfOrder = errors.New("reading out of order")
)

const (
	MinSignalDBm = -127.0
	MaxSignalDBm = 20.0
)

// Flags is the context bitmask carried with each sample.
type Flags uint8

const (
	WiFiInterference Flags = 1 << iota
	ScreenOn
	Charging
	Moving
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{WiFiInterference, "wifi-interference"},
	{ScreenOn, "screen-on"},
	{Charging, "charging"},
	{Moving, "moving"},
}

// ParseFlags converts flag names to a bitmask. Unknown names are an error.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, n := range names {
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(n, fn.name) {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown context flag %q", n)
		}
	}
	return f, nil
}

// Names returns the flag names set in f.
func (f Flags) Names() []string {
	names := []string{}
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), "|")
}

// Reading is a raw measurement as delivered by the radio driver.
type Reading struct {
	Timestamp time.Time
	SignalDBm float64
	Battery   *float64
	Flags     Flags
}

// Sample is a normalized, accepted reading. Immutable once produced.
type Sample struct {
	DeviceID  string
	Timestamp time.Time
	SignalDBm float64
	Battery   *float64
	Flags     Flags
}

// Sampler validates readings and hands accepted samples to a sink.
type Sampler struct {
	sink    func(Sample)
	log     *zap.Logger
	metrics *metrics.Metrics

	// Now stamps readings that arrive without a timestamp.
	Now func() time.Time

	mu   sync.Mutex
	last *lru.Cache[string, time.Time]
}

// NewSampler tracks ordering for at most maxTracked devices; the least
// recently seen device is forgotten first.
func NewSampler(maxTracked int, sink func(Sample), log *zap.Logger, m *metrics.Metrics) (*Sampler, error) {
	if maxTracked < 1 {
		maxTracked = 1
	}
	cache, err := lru.New[string, time.Time](maxTracked)
	if err != nil {
		return nil, fmt.Errorf("create tracking cache: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{
		sink:    sink,
		log:     log,
		metrics: m,
		Now:     time.Now,
		last:    cache,
	}, nil
}

// Ingest normalizes r and forwards it. Rejected readings are logged, counted
// and returned; they never affect other devices.
// The ordering check and the hand-off share one lock, so the sink sees a
// device's samples in timestamp order.
func (s *Sampler) Ingest(deviceID string, r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, err := s.normalize(deviceID, r)
	if err != nil {
		reason := "garbled"
		if errors.Is(err, ErrOutOfOrder) {
			reason = "out_of_order"
		}
		s.metrics.SampleRejected(reason)
		s.log.Debug("reading rejected", zap.String("device", deviceID), zap.Error(err))
		return err
	}

	s.metrics.SampleIngested()
	if s.sink != nil {
		s.sink(sample)
	}
	return nil
}

// normalize must be called with s.mu held.
func (s *Sampler) normalize(deviceID string, r Reading) (Sample, error) {
	if deviceID == "" {
		return Sample{}, fmt.Errorf("empty device id: %w", ErrGarbled)
	}
	if math.IsNaN(r.SignalDBm) || math.IsInf(r.SignalDBm, 0) {
		return Sample{}, fmt.Errorf("device %s signal %v: %w", deviceID, r.SignalDBm, ErrGarbled)
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = s.Now()
	}

	if prev, ok := s.last.Get(deviceID); ok && ts.Before(prev) {
		return Sample{}, fmt.Errorf("device %s at %s before %s: %w",
			deviceID, ts.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano), ErrOutOfOrder)
	}
	s.last.Add(deviceID, ts)

	sample := Sample{
		DeviceID:  deviceID,
		Timestamp: ts,
		SignalDBm: clamp(r.SignalDBm, MinSignalDBm, MaxSignalDBm),
		Flags:     r.Flags,
	}
	if r.Battery != nil && !math.IsNaN(*r.Battery) && !math.IsInf(*r.Battery, 0) {
		b := clamp(*r.Battery, 0, 100)
		sample.Battery = &b
	}
	return sample, nil
}

// Forget drops ordering state for a device (e.g. after revocation).
func (s *Sampler) Forget(deviceID string) {
	s.mu.Lock()
	s.last.Remove(deviceID)
	s.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

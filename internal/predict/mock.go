package predict

import (
	"context"
	"sync"
	"time"

	"github.com/lazypower/tether/internal/window"
)

// MockModel is a test double for Model. It can also be used for dry runs.
type MockModel struct {
	Tag      string
	Estimate Estimate
	Err      error
	Delay    time.Duration

	mu    sync.Mutex
	calls []window.FeatureVector
}

// Score records the call, waits Delay (or until ctx ends) and returns the
// configured estimate.
func (m *MockModel) Score(ctx context.Context, fv window.FeatureVector) (Estimate, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fv)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Estimate{}, ctx.Err()
		}
	}
	return m.Estimate, m.Err
}

func (m *MockModel) Version() string {
	if m.Tag == "" {
		return "mock"
	}
	return m.Tag
}

// Calls returns the vectors scored so far.
func (m *MockModel) Calls() []window.FeatureVector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]window.FeatureVector(nil), m.calls...)
}

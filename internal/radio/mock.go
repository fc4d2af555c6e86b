package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lazypower/tether/internal/telemetry"
)

// Call is one recorded driver invocation.
type Call struct {
	Op       string // connect, disconnect, prepare
	DeviceID string
}

// Mock is a test double for Driver. It can also be used for dry runs.
type Mock struct {
	// Delay is applied to every Connect, bounded by ctx.
	Delay time.Duration

	mu         sync.Mutex
	calls      []Call
	connectErr map[string]error
	panicOn    map[string]bool
	sink       Sink
}

func NewMock() *Mock {
	return &Mock{
		connectErr: make(map[string]error),
		panicOn:    make(map[string]bool),
	}
}

// FailConnect makes Connect for deviceID return err. A nil err clears it.
func (m *Mock) FailConnect(deviceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.connectErr, deviceID)
		return
	}
	m.connectErr[deviceID] = err
}

// PanicOnConnect makes Connect for deviceID panic.
func (m *Mock) PanicOnConnect(deviceID string) {
	m.mu.Lock()
	m.panicOn[deviceID] = true
	m.mu.Unlock()
}

func (m *Mock) record(op, deviceID string) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, DeviceID: deviceID})
	m.mu.Unlock()
}

func (m *Mock) Connect(ctx context.Context, deviceID string) error {
	m.record("connect", deviceID)

	m.mu.Lock()
	err := m.connectErr[deviceID]
	boom := m.panicOn[deviceID]
	m.mu.Unlock()

	if boom {
		panic(fmt.Sprintf("mock radio: connect %s", deviceID))
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", deviceID, ErrTimeout)
		}
	}
	return err
}

func (m *Mock) Disconnect(ctx context.Context, deviceID string) error {
	m.record("disconnect", deviceID)
	return nil
}

func (m *Mock) Prepare(ctx context.Context, deviceID string) error {
	m.record("prepare", deviceID)
	return nil
}

func (m *Mock) Attach(sink Sink) error {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
	return nil
}

func (m *Mock) attached() (Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil, ErrNotConnected
	}
	return m.sink, nil
}

// Signal delivers a reading to the attached sink.
func (m *Mock) Signal(deviceID string, r telemetry.Reading) error {
	sink, err := m.attached()
	if err != nil {
		return err
	}
	return sink.OnSignalSample(deviceID, r)
}

// LoseLink reports a link loss to the attached sink.
func (m *Mock) LoseLink(deviceID string) error {
	sink, err := m.attached()
	if err != nil {
		return err
	}
	return sink.OnLinkLost(deviceID)
}

// Calls returns every recorded invocation.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Count returns how often op was called for deviceID.
func (m *Mock) Count(op, deviceID string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op && c.DeviceID == deviceID {
			n++
		}
	}
	return n
}

package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func TestPublishesTransition(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, "tether.transitions", zaptest.NewLogger(t))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.OnTransition(engine.Transition{
		DeviceID:  "phone-1",
		From:      engine.Connected,
		To:        engine.PreemptiveReconnect,
		Reason:    "risk 0.91 > 0.70",
		SessionID: 4,
		At:        at,
	})
	n.Close()

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tether.transitions.phone-1", msgs[0].subject)

	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].data, &ev))
	assert.Equal(t, "state_transition", ev.Type)
	assert.Equal(t, engine.PreemptiveReconnect, ev.Data.To)
	assert.Equal(t, int64(4), ev.Data.SessionID)
	assert.True(t, ev.Data.At.Equal(at))
}

func TestCloseFlushesQueue(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, "", zaptest.NewLogger(t))

	for i := 0; i < 20; i++ {
		n.OnTransition(engine.Transition{DeviceID: "watch", To: engine.Connected})
	}
	n.Close()
	n.Close()

	msgs := pub.messages()
	assert.Len(t, msgs, 20)
	assert.Equal(t, "tether.transitions.watch", msgs[0].subject)
}

func TestPublishErrorsAreAbsorbed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := New(pub, "events", zaptest.NewLogger(t))

	n.OnTransition(engine.Transition{DeviceID: "phone", To: engine.Blocked})
	n.Close()
	assert.Empty(t, pub.messages())
}

func TestSubject(t *testing.T) {
	tests := []struct {
		device string
		want   string
	}{
		{"phone", "ev.phone"},
		{"aa:bb:cc", "ev.aa:bb:cc"},
		{"a.b", "ev.a_b"},
		{"x*y>z", "ev.x_y_z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject("ev", tt.device), tt.device)
	}
}

func TestConnectDisabled(t *testing.T) {
	n, err := Connect(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}

// Package notify forwards engine state transitions to NATS so UI and
// notification layers can tell the user what happened.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/engine"
)

// Publisher is the part of *nats.Conn that NATS needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON envelope published for every transition.
type Event struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Data      engine.Transition `json:"data"`
}

const queueSize = 256

var _ engine.Observer = (*NATS)(nil)

// NATS is an engine.Observer. Transitions are queued and published from a
// single goroutine so device workers never wait on the network.
type NATS struct {
	pub     Publisher
	subject string
	log     *zap.Logger

	queue  chan engine.Transition
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
	conn   *nats.Conn // owned when created by Connect
}

// Connect dials cfg.NATSURL and returns a running publisher. An empty URL
// returns nil, nil.
func Connect(cfg config.EventsConfig, log *zap.Logger) (*NATS, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	nlog := log.Named("notify")

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("tether"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				nlog.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			nlog.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
	}

	n := New(nc, cfg.Subject, log)
	n.conn = nc
	return n, nil
}

// New starts a publisher over pub. Call Close to flush and stop it.
func New(pub Publisher, subject string, log *zap.Logger) *NATS {
	if log == nil {
		log = zap.NewNop()
	}
	if subject == "" {
		subject = "tether.transitions"
	}
	n := &NATS{
		pub:     pub,
		subject: subject,
		log:     log.Named("notify"),
		queue:   make(chan engine.Transition, queueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go n.loop()
	return n
}

// OnTransition queues t. When the queue is full the transition is dropped
// and logged.
func (n *NATS) OnTransition(t engine.Transition) {
	select {
	case n.queue <- t:
	default:
		n.log.Warn("transition queue full, dropping event",
			zap.String("device", t.DeviceID),
			zap.String("to", string(t.To)))
	}
}

func (n *NATS) loop() {
	defer close(n.doneCh)
	for {
		select {
		case t := <-n.queue:
			n.publish(t)
		case <-n.stopCh:
			for {
				select {
				case t := <-n.queue:
					n.publish(t)
				default:
					return
				}
			}
		}
	}
}

func (n *NATS) publish(t engine.Transition) {
	data, err := json.Marshal(Event{
		Type:      "state_transition",
		Timestamp: t.At.UTC().Format(time.RFC3339Nano),
		Data:      t,
	})
	if err != nil {
		n.log.Error("marshal transition", zap.Error(err))
		return
	}

	subject := Subject(n.subject, t.DeviceID)
	if err := n.pub.Publish(subject, data); err != nil {
		n.log.Warn("publish transition", zap.String("subject", subject), zap.Error(err))
		return
	}
	n.log.Debug("published transition", zap.String("subject", subject))
}

// Close publishes whatever is queued and stops. The NATS connection is
// drained if Connect created it.
func (n *NATS) Close() {
	n.once.Do(func() {
		close(n.stopCh)
		<-n.doneCh
		if n.conn != nil {
			if err := n.conn.Drain(); err != nil {
				n.conn.Close()
			}
		}
	})
}

// Subject returns the per-device subject. Characters NATS treats as token
// separators or wildcards are replaced.
func Subject(prefix, deviceID string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, deviceID)
	return prefix + "." + clean
}

package engine

import (
	"sync"
	"time"

	"github.com/lazypower/tether/internal/predict"
	"github.com/lazypower/tether/internal/telemetry"
)

type eventKind int

const (
	evSample eventKind = iota
	evLinkLost
	evBeginPairing
	evPair
	evConnect
	evDisconnect
	evRevoke
	evContext
	evPrediction
	evReconnect
	evSweep
)

var eventNames = map[eventKind]string{
	evSample:       "sample",
	evLinkLost:     "link_lost",
	evBeginPairing: "begin_pairing",
	evPair:         "pair",
	evConnect:      "connect",
	evDisconnect:   "disconnect",
	evRevoke:       "revoke",
	evContext:      "context",
	evPrediction:   "prediction",
	evReconnect:    "reconnect",
	evSweep:        "sweep",
}

func (k eventKind) String() string { return eventNames[k] }

type reply struct {
	token string
	err   error
}

type event struct {
	kind eventKind

	sample  telemetry.Sample
	name    string
	token   string
	context ContextUpdate
	result  predict.Result
	err     error
	epoch   uint64
	at      time.Time

	// set for synchronous calls
	reply chan reply
}

// droppable events may be discarded under backpressure. Everything else is
// control flow and always queued.
func (ev event) droppable() bool { return ev.kind == evSample }

// queue is an unbounded-for-control, bounded-for-telemetry FIFO.
type queue struct {
	mu     sync.Mutex
	items  []event
	limit  int
	closed bool
	ready  chan struct{}
}

func newQueue(limit int) *queue {
	if limit < 1 {
		limit = 1
	}
	return &queue{limit: limit, ready: make(chan struct{}, 1)}
}

// push appends ev. When the queue is full the oldest queued telemetry sample
// is dropped to make room; if there is none, incoming telemetry is dropped
// instead. Returns false if the queue is closed.
func (q *queue) push(ev event) (dropped bool, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	if len(q.items) >= q.limit {
		idx := -1
		for i := range q.items {
			if q.items[i].droppable() {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			dropped = true
		case ev.droppable():
			q.mu.Unlock()
			return true, true
		}
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped, true
}

func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return ev, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes and returns whatever was still queued.
func (q *queue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}

package engine

import (
	"fmt"
	"time"
)

// State is a device's position in the connection lifecycle.
type State string

const (
	Discovered          State = "discovered"
	Pairing             State = "pairing"
	TrustedDisconnected State = "trusted_disconnected"
	Connected           State = "connected"
	PreemptiveReconnect State = "preemptive_reconnect"
	Disconnected        State = "disconnected"
	Blocked             State = "blocked"
)

// ParseState maps a stored name back to a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Discovered, Pairing, TrustedDisconnected, Connected, PreemptiveReconnect, Disconnected, Blocked:
		return st, nil
	default:
		return Discovered, fmt.Errorf("unknown state %q", s)
	}
}

// Linked reports whether a session is (or is about to be) carrying traffic.
func (s State) Linked() bool {
	return s == Connected || s == PreemptiveReconnect
}

// Trusted reports whether the state implies an active trust record.
func (s State) Trusted() bool {
	switch s {
	case TrustedDisconnected, Connected, PreemptiveReconnect, Disconnected:
		return true
	}
	return false
}

// EndReason records why a connection session closed.
type EndReason string

const (
	EndPreemptive EndReason = "preemptive"
	EndLost       EndReason = "lost"
	EndRevoked    EndReason = "revoked"
	EndDisconnect EndReason = "disconnect"
	EndFault      EndReason = "fault"
	EndRestart    EndReason = "restart"
)

// Transition is published to observers on every state change.
type Transition struct {
	DeviceID  string    `json:"device_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	SessionID int64     `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Observer receives transitions on the device's worker goroutine and must
// not block.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

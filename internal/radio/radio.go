// Package radio abstracts the platform link layer behind a small driver
// interface.
package radio

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/telemetry"
)

var (
	ErrNotConnected = errors.New("radio not connected")
	ErrTimeout      = errors.New("radio command timed out")
)

// Driver establishes and tears down links. Calls may block; callers bound
// them with ctx.
type Driver interface {
	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
}

// Preparer is implemented by drivers that can warm a standby link before a
// pre-emptive reconnect.
type Preparer interface {
	Prepare(ctx context.Context, deviceID string) error
}

// Sink receives link-layer events.
type Sink interface {
	OnSignalSample(deviceID string, r telemetry.Reading) error
	OnLinkLost(deviceID string) error
}

// Source is implemented by drivers that deliver events to a Sink.
type Source interface {
	Attach(sink Sink) error
}

// NewDriver creates the driver named by cfg.Driver.
func NewDriver(cfg config.RadioConfig, log *zap.Logger) (Driver, error) {
	switch cfg.Driver {
	case "", "none":
		return Null{}, nil
	case "mock":
		return NewMock(), nil
	case "mqtt":
		return NewMQTT(cfg, log)
	default:
		return nil, fmt.Errorf("unknown radio driver: %q", cfg.Driver)
	}
}

// Null accepts every command and never produces events. It backs
// deployments where telemetry arrives over the HTTP API only.
type Null struct{}

func (Null) Connect(ctx context.Context, deviceID string) error    { return ctx.Err() }
func (Null) Disconnect(ctx context.Context, deviceID string) error { return ctx.Err() }

// Package engine runs one worker per device and drives each through the
// connection lifecycle from telemetry, predictions, trust and radio events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/metrics"
	"github.com/lazypower/tether/internal/predict"
	"github.com/lazypower/tether/internal/profile"
	"github.com/lazypower/tether/internal/radio"
	"github.com/lazypower/tether/internal/store"
	"github.com/lazypower/tether/internal/telemetry"
	"github.com/lazypower/tether/internal/trust"
	"github.com/lazypower/tether/internal/window"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrInvalidState  = errors.New("operation not valid in current state")
	ErrStopped       = errors.New("engine not running")
)

// Options are the engine's thresholds and timings.
type Options struct {
	Window             window.Config
	Horizon            time.Duration
	HighRiskThreshold  float64
	MinConfidence      float64
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	QueueSize          int
	PairingTimeout     time.Duration
	ConnectTimeout     time.Duration
	PreemptiveCooldown time.Duration
	StableSession      time.Duration
	SweepInterval      time.Duration
	MaxTrackedDevices  int
}

// OptionsFromConfig maps the config file onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	e := cfg.Engine
	return Options{
		Window: window.Config{
			Capacity:    cfg.Window.Capacity,
			MinSamples:  cfg.Window.MinSamples,
			MinInterval: cfg.Window.MinInterval,
			Staleness:   cfg.Window.Staleness,
		},
		Horizon:            cfg.Predict.Horizon,
		HighRiskThreshold:  e.HighRiskThreshold,
		MinConfidence:      e.MinConfidence,
		MaxRetries:         e.MaxRetries,
		BackoffBase:        e.BackoffBase,
		BackoffCap:         e.BackoffCap,
		QueueSize:          e.QueueSize,
		PairingTimeout:     e.PairingTimeout,
		ConnectTimeout:     e.ConnectTimeout,
		PreemptiveCooldown: e.PreemptiveCooldown,
		StableSession:      e.StableSession,
		SweepInterval:      e.SweepInterval,
		MaxTrackedDevices:  cfg.Telemetry.MaxTrackedDevices,
	}
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	DB        *store.DB
	Trust     *trust.Store
	Predictor *predict.Service
	Radio     radio.Driver
	Rules     profile.Rules
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// ContextUpdate carries the environment signals the profile classifier uses.
type ContextUpdate struct {
	Network         string  `json:"network"`
	Hour            *int    `json:"hour,omitempty"` // defaults to the current hour
	LocationDeltaKm float64 `json:"location_delta_km"`
}

// Engine owns every device worker. Device state is only touched on the
// device's own goroutine; the engine lock guards the worker table.
type Engine struct {
	db        *store.DB
	trust     *trust.Store
	predictor *predict.Service
	radio     radio.Driver
	rules     profile.Rules
	opts      Options
	log       *zap.Logger
	metrics   *metrics.Metrics
	sampler   *telemetry.Sampler

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	devices   map[string]*device
	observers []Observer
	running   bool
	stopped   bool
}

// New creates an Engine. Call Start before feeding it events.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.DB == nil || deps.Trust == nil || deps.Predictor == nil {
		return nil, fmt.Errorf("engine requires a database, trust store and predictor")
	}
	if deps.Radio == nil {
		deps.Radio = radio.Null{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:        deps.DB,
		trust:     deps.Trust,
		predictor: deps.Predictor,
		radio:     deps.Radio,
		rules:     deps.Rules,
		opts:      opts,
		log:       deps.Logger.Named("engine"),
		metrics:   deps.Metrics,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		devices:   make(map[string]*device),
	}

	sampler, err := telemetry.NewSampler(opts.MaxTrackedDevices, e.acceptSample, deps.Logger.Named("telemetry"), deps.Metrics)
	if err != nil {
		cancel()
		return nil, err
	}
	e.sampler = sampler
	return e, nil
}

// Observe registers an observer for state transitions.
func (e *Engine) Observe(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

func (e *Engine) notify(t Transition) {
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()
	for _, o := range observers {
		o.OnTransition(t)
	}
}

// Start restores persisted devices, attaches to the radio and starts the
// sweeper.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.restore(); err != nil {
		e.Stop()
		return fmt.Errorf("restore devices: %w", err)
	}

	if src, ok := e.radio.(radio.Source); ok {
		if err := src.Attach(e); err != nil {
			e.Stop()
			return fmt.Errorf("attach radio: %w", err)
		}
	}

	e.wg.Add(1)
	go e.sweep()
	return nil
}

// Stop shuts down every worker and waits for them to exit. Safe to call
// more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.running = false
	close(e.stopCh)
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("engine stopped")
}

// restore rebuilds workers from persisted devices. Links do not survive a
// restart: linked devices come back disconnected with their open sessions
// closed, and interrupted pairings start over unless trust was committed.
func (e *Engine) restore() error {
	persisted, err := e.db.ListDevices()
	if err != nil {
		return err
	}
	now := e.now()

	for i := range persisted {
		p := persisted[i]
		state, err := ParseState(p.State)
		if err != nil {
			e.log.Warn("unknown persisted state", zap.String("device", p.DeviceID), zap.String("state", p.State))
			state = Discovered
		}

		// The trust store is authoritative: a pairing that committed before
		// its state change was persisted still comes back trusted.
		restored := state
		switch {
		case state == Blocked:
		case e.trust.Trusted(p.DeviceID):
			restored = TrustedDisconnected
		case state == Pairing:
			restored = Discovered
		case state.Trusted():
			restored = Discovered
			if rec, ok := e.trust.Get(p.DeviceID); ok && rec.Revoked {
				restored = Blocked
			}
		}

		if n, err := e.db.CloseOpenSessions(p.DeviceID, now.UnixMilli(), string(EndRestart)); err != nil {
			return fmt.Errorf("close sessions for %s: %w", p.DeviceID, err)
		} else if n > 0 {
			e.log.Info("closed interrupted session", zap.String("device", p.DeviceID))
		}

		lastSession, err := e.db.LastSessionID(p.DeviceID)
		if err != nil {
			return err
		}

		d := newDevice(e, p.DeviceID)
		d.state = state
		d.displayName = p.DisplayName
		d.lastSessionID = lastSession
		if p.LastSeen != nil {
			seen := time.UnixMilli(*p.LastSeen)
			d.lastSeen = &seen
		}
		d.restoreProfile(p.Profile, p.ProfileEvidence)
		if restored != state {
			d.transition(restored, "restart")
		}
		d.publish()

		e.mu.Lock()
		e.devices[p.DeviceID] = d
		e.mu.Unlock()
		e.spawn(d)
	}

	e.log.Info("devices restored", zap.Int("count", len(persisted)))
	return nil
}

func (e *Engine) spawn(d *device) {
	e.wg.Add(1)
	go d.run(e.ctx)
}

// lookup returns the worker for id, creating a Discovered device if create
// is set.
func (e *Engine) lookup(id string, create bool) (*device, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrUnknownDevice)
	}

	e.mu.RLock()
	d, ok := e.devices[id]
	running := e.running
	e.mu.RUnlock()
	if !running {
		return nil, ErrStopped
	}
	if ok {
		return d, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, ErrStopped
	}
	if d, ok := e.devices[id]; ok {
		return d, nil
	}
	d = newDevice(e, id)
	d.persist()
	d.publish()
	e.devices[id] = d
	e.spawn(d)
	e.log.Info("device discovered", zap.String("device", id))
	return d, nil
}

// enqueue hands an asynchronous event to a device.
func (e *Engine) enqueue(d *device, ev event) error {
	dropped, ok := d.queue.push(ev)
	if !ok {
		return ErrStopped
	}
	if dropped {
		e.metrics.QueueDrop()
	}
	return nil
}

// call runs ev on the device's worker and waits for the outcome.
func (e *Engine) call(d *device, ev event) (reply, error) {
	ev.reply = make(chan reply, 1)
	if err := e.enqueue(d, ev); err != nil {
		return reply{}, err
	}
	select {
	case r := <-ev.reply:
		return r, r.err
	case <-e.stopCh:
		return reply{}, ErrStopped
	}
}

// acceptSample is the sampler's sink.
func (e *Engine) acceptSample(s telemetry.Sample) {
	d, err := e.lookup(s.DeviceID, true)
	if err != nil {
		e.log.Debug("sample not queued", zap.String("device", s.DeviceID), zap.Error(err))
		return
	}
	if err := e.enqueue(d, event{kind: evSample, sample: s, at: e.now()}); err != nil {
		e.log.Debug("sample not queued", zap.String("device", s.DeviceID), zap.Error(err))
	}
}

// OnSignalSample ingests a raw reading. Unknown devices are discovered.
func (e *Engine) OnSignalSample(deviceID string, r telemetry.Reading) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return ErrStopped
	}
	return e.sampler.Ingest(deviceID, r)
}

// OnLinkLost reports that the radio lost a device's link.
func (e *Engine) OnLinkLost(deviceID string) error {
	d, err := e.lookup(deviceID, false)
	if err != nil {
		return err
	}
	return e.enqueue(d, event{kind: evLinkLost, at: e.now()})
}

// BeginPairing opens a pairing attempt. An empty token generates one; the
// token in effect is returned.
func (e *Engine) BeginPairing(deviceID, displayName, token string) (string, error) {
	d, err := e.lookup(deviceID, true)
	if err != nil {
		return "", err
	}
	r, err := e.call(d, event{kind: evBeginPairing, name: displayName, token: token})
	return r.token, err
}

// Pair completes a pairing attempt with the token the device presented.
func (e *Engine) Pair(deviceID, token string) error {
	d, err := e.lookup(deviceID, false)
	if err != nil {
		return err
	}
	_, err = e.call(d, event{kind: evPair, token: token})
	return err
}

// Connect asks the radio to link a trusted device and opens a session.
func (e *Engine) Connect(deviceID string) error {
	d, err := e.lookup(deviceID, false)
	if err != nil {
		return err
	}
	_, err = e.call(d, event{kind: evConnect})
	return err
}

// Disconnect closes a device's link at the user's request.
func (e *Engine) Disconnect(deviceID string) error {
	d, err := e.lookup(deviceID, false)
	if err != nil {
		return err
	}
	_, err = e.call(d, event{kind: evDisconnect})
	return err
}

// Revoke removes a device's trust and blocks it. Revocation is durable
// before this returns.
func (e *Engine) Revoke(deviceID string) error {
	d, err := e.lookup(deviceID, false)
	if errors.Is(err, ErrUnknownDevice) {
		if _, ok := e.trust.Get(deviceID); ok {
			return e.trust.Revoke(deviceID)
		}
	}
	if err != nil {
		return err
	}
	if _, err = e.call(d, event{kind: evRevoke}); err != nil {
		return err
	}
	e.sampler.Forget(deviceID)
	return nil
}

// UpdateContext reclassifies one device, or every device when deviceID is
// empty.
func (e *Engine) UpdateContext(deviceID string, u ContextUpdate) error {
	if deviceID != "" {
		d, err := e.lookup(deviceID, false)
		if err != nil {
			return err
		}
		_, err = e.call(d, event{kind: evContext, context: u})
		return err
	}

	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return ErrStopped
	}
	devices := make([]*device, 0, len(e.devices))
	for _, d := range e.devices {
		devices = append(devices, d)
	}
	e.mu.RUnlock()

	for _, d := range devices {
		if _, err := e.call(d, event{kind: evContext, context: u}); err != nil {
			return err
		}
	}
	return nil
}

// Classify runs the profile rules without touching any device.
func (e *Engine) Classify(network string, hour int, locationDeltaKm float64) profile.Result {
	return e.rules.Classify(network, hour, locationDeltaKm)
}

// IsAuthorized is the capability gate.
func (e *Engine) IsAuthorized(deviceID, capability string) bool {
	return e.trust.Authorize(deviceID, capability)
}

// Device returns a snapshot of one device.
func (e *Engine) Device(deviceID string) (Snapshot, error) {
	e.mu.RLock()
	d, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return d.snapshot(), nil
}

// Devices returns snapshots of every device ordered by ID.
func (e *Engine) Devices() []Snapshot {
	e.mu.RLock()
	out := make([]Snapshot, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, d.snapshot())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// sweep drives timeouts: pairing attempts that ran too long and windows of
// devices that went silent.
func (e *Engine) sweep() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := e.now()
			e.mu.RLock()
			for _, d := range e.devices {
				e.enqueue(d, event{kind: evSweep, at: now})
			}
			e.mu.RUnlock()
		case <-e.stopCh:
			return
		}
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/predict"
	"github.com/lazypower/tether/internal/profile"
	"github.com/lazypower/tether/internal/radio"
	"github.com/lazypower/tether/internal/store"
	"github.com/lazypower/tether/internal/trust"
	"github.com/lazypower/tether/internal/window"
)

// Snapshot is a read-only view of a device.
type Snapshot struct {
	DeviceID    string           `json:"device_id"`
	DisplayName string           `json:"display_name,omitempty"`
	State       State            `json:"state"`
	Profile     profile.Profile  `json:"profile"`
	Evidence    profile.Evidence `json:"evidence"`
	Actions     profile.Actions  `json:"actions"`
	SessionID   int64            `json:"session_id,omitempty"`
	Failures    int              `json:"failures"`
	LastSeen    *time.Time       `json:"last_seen,omitempty"`
	Prediction  *predict.Result  `json:"prediction,omitempty"`
	Queued      int              `json:"queued"`
}

// device is one worker. Every field below the queue is owned by the worker
// goroutine.
type device struct {
	id    string
	e     *Engine
	log   *zap.Logger
	queue *queue

	state       State
	displayName string
	profile     profile.Result
	lastSeen    *time.Time
	lastArrival time.Time
	window      *window.Window

	session       int64 // open session, 0 if none
	sessionStart  time.Time
	lastSessionID int64
	failures      int
	lastPreempt   time.Time
	pairingSince  time.Time

	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	reconnectEpoch uint64

	predEpoch  uint64
	predCtx    context.Context
	predCancel context.CancelFunc
	inflight   bool
	waiting    *window.FeatureVector
	latest     *predict.Result

	snapMu sync.RWMutex
	snap   Snapshot
}

func newDevice(e *Engine, id string) *device {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffBase
	b.MaxInterval = e.opts.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &device{
		id:      id,
		e:       e,
		log:     e.log.With(zap.String("device", id)),
		queue:   newQueue(e.opts.QueueSize),
		state:   Discovered,
		profile: profile.Result{Profile: profile.Default},
		window:  window.New(e.opts.Window),
		backoff: b,
	}
}

func (d *device) run(ctx context.Context) {
	defer d.e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-d.queue.ready:
			for {
				if ctx.Err() != nil {
					break
				}
				ev, ok := d.queue.pop()
				if !ok {
					break
				}
				d.dispatch(ev)
			}
		}
	}
}

func (d *device) shutdown() {
	d.cancelReconnect()
	d.leaveLinked()
	for _, ev := range d.queue.close() {
		if ev.reply != nil {
			ev.reply <- reply{err: ErrStopped}
		}
	}
}

// dispatch handles one event and refreshes the snapshot before replying.
func (d *device) dispatch(ev event) {
	r := d.safeHandle(ev)
	d.publish()
	if ev.reply != nil {
		ev.reply <- r
	}
}

// safeHandle contains a panic to this device: its link is torn down and the
// worker keeps running.
func (d *device) safeHandle(ev event) (r reply) {
	defer func() {
		if p := recover(); p != nil {
			d.e.metrics.WorkerFault()
			d.log.Error("worker fault", zap.String("event", ev.kind.String()), zap.Any("panic", p))
			d.fault()
			r = reply{err: fmt.Errorf("device %s: %s failed: %v", d.id, ev.kind, p)}
		}
	}()
	return d.handle(ev)
}

func (d *device) handle(ev event) reply {
	switch ev.kind {
	case evSample:
		d.onSample(ev)
	case evLinkLost:
		d.onLinkLost()
	case evBeginPairing:
		token, err := d.onBeginPairing(ev.name, ev.token)
		return reply{token: token, err: err}
	case evPair:
		return reply{err: d.onPair(ev.token)}
	case evConnect:
		return reply{err: d.onConnect()}
	case evDisconnect:
		return reply{err: d.onDisconnect()}
	case evRevoke:
		return reply{err: d.onRevoke()}
	case evContext:
		d.onContext(ev.context)
	case evPrediction:
		d.onPrediction(ev)
	case evReconnect:
		d.onReconnect(ev.epoch)
	case evSweep:
		d.onSweep(ev.at)
	}
	return reply{}
}

// fault forces the device off the air after a panic.
func (d *device) fault() {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("fault recovery failed", zap.Any("panic", r))
		}
	}()

	d.cancelReconnect()
	d.leaveLinked()
	d.closeSession(EndFault)
	switch {
	case d.state.Trusted():
		d.transition(Disconnected, "fault")
	case d.state == Pairing:
		d.transition(Discovered, "fault")
	}
}

func (d *device) onSample(ev event) {
	ts := ev.sample.Timestamp
	d.lastSeen = &ts
	d.lastArrival = ev.at

	fv, ok := d.window.OnSample(ev.sample)
	if !ok {
		return
	}
	d.e.metrics.VectorEmitted()
	if d.state == Connected {
		d.requestPrediction(fv)
	}
}

// requestPrediction keeps at most one prediction in flight; a newer vector
// replaces one that is still waiting.
func (d *device) requestPrediction(fv window.FeatureVector) {
	if d.inflight {
		d.waiting = &fv
		return
	}
	if d.predCtx == nil {
		return
	}
	d.inflight = true

	ctx, epoch, e := d.predCtx, d.predEpoch, d.e
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.predictor.Predict(ctx, fv)
		if errors.Is(err, predict.ErrModelUnavailable) {
			res, err = e.predictor.Fallback(fv), nil
		}
		e.enqueue(d, event{kind: evPrediction, result: res, err: err, epoch: epoch})
	}()
}

func (d *device) onPrediction(ev event) {
	if ev.epoch != d.predEpoch {
		return
	}
	d.inflight = false

	if ev.err != nil {
		d.log.Debug("prediction discarded", zap.Error(ev.err))
	} else {
		res := ev.result
		d.latest = &res
	}

	if d.waiting != nil {
		fv := *d.waiting
		d.waiting = nil
		d.requestPrediction(fv)
	}
	d.evaluate()
}

// evaluate pre-empts the link if the latest fresh prediction crosses the
// profile-adjusted risk threshold.
func (d *device) evaluate() {
	if d.state != Connected || d.latest == nil {
		return
	}
	now := d.e.now()
	res := *d.latest
	if !res.Fresh(now, d.e.opts.Horizon) {
		return
	}

	threshold := d.e.opts.HighRiskThreshold + d.profile.Profile.Actions().RiskThresholdOffset
	if res.Probability <= threshold || res.Confidence <= d.e.opts.MinConfidence {
		return
	}
	if !d.lastPreempt.IsZero() && now.Sub(d.lastPreempt) < d.e.opts.PreemptiveCooldown {
		d.log.Debug("pre-emption suppressed by cooldown", zap.Float64("probability", res.Probability))
		return
	}

	d.lastPreempt = now
	d.closeSession(EndPreemptive)
	d.leaveLinked()
	d.transition(PreemptiveReconnect, fmt.Sprintf("risk %.2f > %.2f (confidence %.2f, %s)",
		res.Probability, threshold, res.Confidence, res.ModelVersion))

	if p, ok := d.e.radio.(radio.Preparer); ok {
		ctx, cancel := context.WithTimeout(d.e.ctx, d.e.opts.ConnectTimeout)
		if err := p.Prepare(ctx, d.id); err != nil {
			d.log.Warn("standby link not prepared", zap.Error(err))
		}
		cancel()
	}
	d.scheduleReconnect()
}

func (d *device) onLinkLost() {
	switch d.state {
	case Connected:
		d.closeSession(EndLost)
		d.leaveLinked()
		d.failures++
		d.transition(Disconnected, "link lost")
		d.retryOrBlock()
	case PreemptiveReconnect:
		// the old link was already being replaced
		d.log.Debug("link lost during pre-emptive reconnect")
	default:
		d.log.Debug("link lost ignored", zap.String("state", string(d.state)))
	}
}

func (d *device) retryOrBlock() {
	if d.failures > d.e.opts.MaxRetries {
		d.block(fmt.Sprintf("%d consecutive failures", d.failures), true)
		return
	}
	d.scheduleReconnect()
}

func (d *device) scheduleReconnect() {
	d.cancelReconnect()
	delay := d.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = d.e.opts.BackoffCap
	}
	epoch := d.reconnectEpoch
	d.reconnectTimer = time.AfterFunc(delay, func() {
		d.e.enqueue(d, event{kind: evReconnect, epoch: epoch})
	})
	d.log.Debug("reconnect scheduled", zap.Duration("in", delay), zap.Int("failures", d.failures))
}

func (d *device) cancelReconnect() {
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	d.reconnectEpoch++
}

func (d *device) onReconnect(epoch uint64) {
	if epoch != d.reconnectEpoch {
		return
	}
	d.reconnectTimer = nil
	if d.state != Disconnected && d.state != PreemptiveReconnect {
		return
	}

	if err := d.link(); err != nil {
		d.failures++
		d.log.Warn("reconnect failed", zap.Int("failures", d.failures), zap.Error(err))
		d.retryOrBlock()
		return
	}
	d.backoff.Reset()
	d.transition(Connected, "reconnected")
}

func (d *device) onBeginPairing(name, token string) (string, error) {
	switch d.state {
	case Discovered, Pairing, Blocked:
	default:
		return "", fmt.Errorf("%w: cannot pair from %s", ErrInvalidState, d.state)
	}

	var err error
	if token == "" {
		token, err = d.e.trust.Issue(d.id)
	} else {
		err = d.e.trust.Offer(d.id, token)
	}
	if err != nil {
		return "", err
	}

	if name != "" {
		d.displayName = name
	}
	d.pairingSince = d.e.now()
	if d.state == Pairing {
		d.persist()
	}
	d.transition(Pairing, "pairing requested")
	return token, nil
}

func (d *device) onPair(token string) error {
	if d.state != Pairing {
		if d.e.trust.Trusted(d.id) {
			return fmt.Errorf("pair %s: %w", d.id, trust.ErrAlreadyPaired)
		}
		return fmt.Errorf("%w: no pairing in progress (%s)", ErrInvalidState, d.state)
	}

	_, err := d.e.trust.Pair(d.id, token)
	switch {
	case errors.Is(err, trust.ErrAlreadyPaired):
		// trust already committed; only the state change was missing
		if cerr := d.e.trust.CancelPairing(d.id); cerr != nil {
			d.log.Warn("drop pairing token", zap.Error(cerr))
		}
	case errors.Is(err, trust.ErrTokenMismatch):
		d.transition(Discovered, "token mismatch")
		return err
	case err != nil:
		return err
	}

	d.failures = 0
	d.backoff.Reset()
	d.transition(TrustedDisconnected, "paired")
	return nil
}

func (d *device) onConnect() error {
	switch d.state {
	case TrustedDisconnected, Disconnected:
	case Blocked:
		return fmt.Errorf("connect %s: %w", d.id, trust.ErrRevoked)
	default:
		return fmt.Errorf("%w: cannot connect from %s", ErrInvalidState, d.state)
	}
	if !d.e.trust.Trusted(d.id) {
		return fmt.Errorf("connect %s: %w", d.id, trust.ErrRevoked)
	}

	d.cancelReconnect()
	if err := d.link(); err != nil {
		return err
	}
	d.backoff.Reset()
	d.transition(Connected, "connected")
	return nil
}

func (d *device) onDisconnect() error {
	switch d.state {
	case Connected, PreemptiveReconnect, Disconnected:
	default:
		return fmt.Errorf("%w: cannot disconnect from %s", ErrInvalidState, d.state)
	}

	d.cancelReconnect()
	d.closeSession(EndDisconnect)
	d.leaveLinked()
	d.unlink()
	d.transition(TrustedDisconnected, "disconnected by user")
	return nil
}

// onRevoke commits the revocation before touching local state.
func (d *device) onRevoke() error {
	if err := d.e.trust.Revoke(d.id); err != nil {
		return err
	}
	if d.state == Blocked {
		return nil
	}
	d.block("trust revoked", false)
	return nil
}

// block moves the device to Blocked. revoke is set when the engine itself
// withdraws trust (retries exhausted).
func (d *device) block(reason string, revoke bool) {
	if revoke {
		if err := d.e.trust.Revoke(d.id); err != nil {
			d.log.Error("revoke after failures", zap.Error(err))
		}
	}
	d.cancelReconnect()
	d.closeSession(EndRevoked)
	d.leaveLinked()
	d.unlink()
	d.window.Reset()
	d.transition(Blocked, reason)
}

func (d *device) onContext(u ContextUpdate) {
	hour := d.e.now().Hour()
	if u.Hour != nil {
		hour = *u.Hour
	}
	res := d.e.rules.Classify(u.Network, hour, u.LocationDeltaKm)
	changed := res.Profile != d.profile.Profile
	d.profile = res
	d.persist()

	if changed {
		d.log.Info("profile changed", zap.String("profile", string(res.Profile)))
		d.evaluate()
	}
}

func (d *device) onSweep(now time.Time) {
	if d.state == Pairing && d.e.opts.PairingTimeout > 0 && now.Sub(d.pairingSince) > d.e.opts.PairingTimeout {
		if err := d.e.trust.CancelPairing(d.id); err != nil {
			d.log.Warn("cancel pairing", zap.Error(err))
		}
		d.transition(Discovered, "pairing timed out")
	}
	if d.window.Expire(now, d.lastArrival) {
		d.log.Debug("window expired")
	}
}

// link asks the radio for a link and opens the next session.
func (d *device) link() error {
	ctx, cancel := context.WithTimeout(d.e.ctx, d.e.opts.ConnectTimeout)
	defer cancel()
	if err := d.e.radio.Connect(ctx, d.id); err != nil {
		return fmt.Errorf("connect %s: %w", d.id, err)
	}

	now := d.e.now()
	next := d.lastSessionID + 1
	if _, err := d.e.db.OpenSession(d.id, next, now.UnixMilli()); err != nil {
		d.unlink()
		return fmt.Errorf("open session: %w", err)
	}
	d.lastSessionID = next
	d.session = next
	d.sessionStart = now

	d.predEpoch++
	d.predCtx, d.predCancel = context.WithCancel(d.e.ctx)
	return nil
}

func (d *device) unlink() {
	ctx, cancel := context.WithTimeout(d.e.ctx, d.e.opts.ConnectTimeout)
	defer cancel()
	if err := d.e.radio.Disconnect(ctx, d.id); err != nil {
		d.log.Warn("radio disconnect", zap.Error(err))
	}
}

// leaveLinked cancels in-flight predictions and forgets results; anything
// still running reports under an old epoch and is ignored.
func (d *device) leaveLinked() {
	if d.predCancel != nil {
		d.predCancel()
	}
	d.predCtx, d.predCancel = nil, nil
	d.predEpoch++
	d.inflight = false
	d.waiting = nil
	d.latest = nil
}

func (d *device) closeSession(reason EndReason) {
	if d.session == 0 {
		return
	}
	now := d.e.now()
	if err := d.e.db.CloseSession(d.id, d.session, now.UnixMilli(), string(reason)); err != nil {
		d.log.Error("close session", zap.Int64("session", d.session), zap.Error(err))
	}
	if d.e.opts.StableSession > 0 && now.Sub(d.sessionStart) >= d.e.opts.StableSession {
		d.failures = 0
	}
	d.session = 0
}

func (d *device) transition(to State, reason string) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	d.e.metrics.Transition(string(from), string(to))
	d.persist()
	d.log.Info("state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	d.e.notify(Transition{
		DeviceID:  d.id,
		From:      from,
		To:        to,
		Reason:    reason,
		SessionID: d.session,
		At:        d.e.now(),
	})
}

func (d *device) persist() {
	evidence, err := json.Marshal(d.profile.Evidence)
	if err != nil {
		evidence = []byte("{}")
	}
	rec := &store.Device{
		DeviceID:        d.id,
		DisplayName:     d.displayName,
		State:           string(d.state),
		Profile:         string(d.profile.Profile),
		ProfileEvidence: string(evidence),
	}
	if d.lastSeen != nil {
		ms := d.lastSeen.UnixMilli()
		rec.LastSeen = &ms
	}
	if err := d.e.db.SaveDevice(rec); err != nil {
		d.log.Error("persist device", zap.Error(err))
	}
}

func (d *device) restoreProfile(name, evidence string) {
	p, err := profile.Parse(name)
	if err != nil {
		d.log.Warn("unknown persisted profile", zap.String("profile", name))
	}
	d.profile = profile.Result{Profile: p}
	if evidence != "" {
		if err := json.Unmarshal([]byte(evidence), &d.profile.Evidence); err != nil {
			d.log.Warn("bad persisted profile evidence", zap.Error(err))
		}
	}
}

// publish refreshes the snapshot read by other goroutines.
func (d *device) publish() {
	s := Snapshot{
		DeviceID:    d.id,
		DisplayName: d.displayName,
		State:       d.state,
		Profile:     d.profile.Profile,
		Evidence:    d.profile.Evidence,
		Actions:     d.profile.Profile.Actions(),
		SessionID:   d.session,
		Failures:    d.failures,
		Queued:      d.queue.len(),
	}
	if d.lastSeen != nil {
		seen := *d.lastSeen
		s.LastSeen = &seen
	}
	if d.latest != nil {
		res := *d.latest
		s.Prediction = &res
	}

	d.snapMu.Lock()
	d.snap = s
	d.snapMu.Unlock()
}

func (d *device) snapshot() Snapshot {
	d.snapMu.RLock()
	defer d.snapMu.RUnlock()
	return d.snap
}

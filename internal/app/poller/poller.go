package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/telemetry"
)

type runState int

const (
	stateRunning runState = iota
	statePaused
	stateStopped
	stateTerminal
)

// Poller monitors one session. Ticks are strictly sequential.
type Poller struct {
	m          *Manager
	sessionID  string
	interval   time.Duration
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards snap and state and is held across persistence so Stop cannot interleave a write.
	mu    sync.Mutex
	snap  payment.Snapshot
	state runState

	callbacks hooks
	fired     sync.Once
}

func newPoller(m *Manager, snap payment.Snapshot, interval time.Duration, maxRetries int) *Poller {
	ctx, cancel := context.WithCancel(m.root)
	return &Poller{
		m:          m,
		sessionID:  snap.SessionID,
		interval:   interval,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		snap:       snap,
	}
}

// SessionID returns the monitored session.
func (p *Poller) SessionID() string { return p.sessionID }

// Snapshot returns the latest snapshot held by the poller.
func (p *Poller) Snapshot() payment.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Done is closed once the polling loop exits.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Paused reports whether ticks are currently skipped.
func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == statePaused
}

// OnPaid registers a callback for this session only.
func (p *Poller) OnPaid(fn Callback) { p.callbacks.add(payment.StatusPaid, fn) }

// OnFailed registers a callback for this session only.
func (p *Poller) OnFailed(fn Callback) { p.callbacks.add(payment.StatusFailed, fn) }

// OnExpired registers a callback for this session only.
func (p *Poller) OnExpired(fn Callback) { p.callbacks.add(payment.StatusExpired, fn) }

// OnCancelled registers a callback for this session only.
func (p *Poller) OnCancelled(fn Callback) { p.callbacks.add(payment.StatusCancelled, fn) }

// Pause skips ticks until Resume. The retry count is kept.
func (p *Poller) Pause() {
	p.mu.Lock()
	if p.state == stateRunning {
		p.state = statePaused
	}
	p.mu.Unlock()
}

// Resume re-enables ticks after Pause.
func (p *Poller) Resume() {
	p.mu.Lock()
	if p.state == statePaused {
		p.state = stateRunning
	}
	p.mu.Unlock()
}

// Stop ends polling before the next tick. A query in flight completes but its result is discarded.
// Stop on a stopped or terminal poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == stateStopped || p.state == stateTerminal {
		p.mu.Unlock()
		return
	}
	p.state = stateStopped
	p.mu.Unlock()
	p.m.detach(p)
	p.cancel()
}

func (p *Poller) run() {
	defer close(p.done)
	defer p.m.release(p)
	defer p.cancel()

	schedule := backoff.NewConstantBackOff(p.interval)
	timer := time.NewTimer(schedule.NextBackOff())
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		if p.tick() {
			return
		}
		timer.Reset(schedule.NextBackOff())
	}
}

// tick runs one query-map-persist-notify cycle and reports whether the loop should exit.
func (p *Poller) tick() bool {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case stateStopped, stateTerminal:
		return true
	case statePaused:
		p.m.cfg.Metrics.PollerTick(p.ctx, telemetry.ResultSkipped, 0)
		return false
	}

	credential := ""
	if p.m.cfg.Credentials != nil {
		credential, _ = p.m.cfg.Credentials.Resolve(p.sessionID)
	}
	queryCtx, cancel := context.WithTimeout(p.ctx, p.m.cfg.QueryTimeout)
	start := p.m.cfg.Clock()
	raw, err := p.m.client.QueryStatus(queryCtx, p.sessionID, credential)
	cancel()
	elapsed := p.m.cfg.Clock().Sub(start)

	p.mu.Lock()
	if p.state == stateStopped || p.state == stateTerminal {
		p.mu.Unlock()
		return true
	}
	prev := p.snap
	next := p.apply(prev, raw, err)
	p.snap = next
	if next.Terminal() {
		p.state = stateTerminal
	}
	p.persist(next)
	p.mu.Unlock()

	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	p.m.cfg.Metrics.PollerTick(p.ctx, result, elapsed)

	if next.Status != prev.Status {
		p.m.transitioned(p.ctx, prev.Status, next)
	}
	if next.Terminal() {
		p.m.detach(p)
		p.fire(next)
		return true
	}
	return false
}

func (p *Poller) apply(prev payment.Snapshot, raw string, queryErr error) payment.Snapshot {
	next := prev
	next.LastCheckedAt = p.m.cfg.Clock().UTC()
	if queryErr != nil {
		next.RetryCount++
		next.LastError = queryErr.Error()
		if next.RetryCount > p.maxRetries {
			next.Status = payment.Advance(next.Status, payment.StatusFailed)
			next.Reason = payment.ReasonPollingExhausted
			p.m.logger.Warn("poller: retries exhausted",
				observability.F("session_id", p.sessionID),
				observability.F("retry_count", next.RetryCount),
				observability.F("error", queryErr))
		}
		return next
	}

	status, known := payment.MapRawStatus(raw)
	if !known {
		p.m.logger.Warn("poller: unrecognised provider status",
			observability.F("session_id", p.sessionID),
			observability.F("raw_status", raw),
			observability.F("canonical", string(errs.CanonicalUnknownProviderStatus)))
	}
	next.RawStatus = raw
	next.RetryCount = 0
	next.LastError = ""
	advanced := payment.Advance(next.Status, status)
	if advanced != next.Status && advanced.Terminal() {
		next.Reason = payment.ReasonProviderReported
	}
	next.Status = advanced
	return next
}

// persist writes snap; callers hold p.mu. Store failures are logged and polling continues.
func (p *Poller) persist(snap payment.Snapshot) {
	if err := p.m.store.Put(p.ctx, p.sessionID, snap, p.m.cfg.SnapshotTTL); err != nil {
		p.m.logger.Warn("poller: persist snapshot failed",
			observability.F("session_id", p.sessionID),
			observability.F("error", err))
	}
}

func (p *Poller) fire(snap payment.Snapshot) {
	p.fired.Do(func() {
		p.callbacks.fire(snap)
		p.m.callbacks.fire(snap)
	})
}

func (p *Poller) resolve(ctx context.Context, status payment.Status, reason string) (payment.Snapshot, error) {
	p.mu.Lock()
	if p.state == stateTerminal || p.snap.Terminal() {
		snap := p.snap
		p.mu.Unlock()
		return snap, terminalError(snap)
	}
	prev := p.snap
	next := prev
	next.Status = status
	next.Reason = reason
	next.LastCheckedAt = p.m.cfg.Clock().UTC()
	p.snap = next
	p.state = stateTerminal
	if err := p.m.store.Put(ctx, p.sessionID, next, p.m.cfg.SnapshotTTL); err != nil {
		p.m.logger.Warn("poller: persist resolved snapshot failed",
			observability.F("session_id", p.sessionID),
			observability.F("error", err))
	}
	p.mu.Unlock()
	p.m.detach(p)
	p.cancel()

	p.m.transitioned(ctx, prev.Status, next)
	p.fire(next)
	return next, nil
}

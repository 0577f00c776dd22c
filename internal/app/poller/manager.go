// Package poller tracks outstanding checkout sessions with one supervised polling loop per session.
package poller

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/statusstore"
	"github.com/coachpo/paywatch/internal/telemetry"
)

// Defaults applied when neither Config nor Options carry a value.
const (
	DefaultInterval     = 3 * time.Second
	DefaultMaxRetries   = 10
	DefaultQueryTimeout = 5 * time.Second
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("poller: manager closed")

// StatusQuerier fetches a session's raw provider status.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, sessionID, credential string) (string, error)
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	Put(ctx context.Context, key string, snap payment.Snapshot, ttl time.Duration) error
	Get(ctx context.Context, key string) (payment.Snapshot, error)
}

// CredentialSource resolves the credential used to query a session.
type CredentialSource interface {
	Resolve(sessionID string) (string, bool)
}

// Config holds manager-wide settings.
type Config struct {
	Interval     time.Duration
	MaxRetries   int
	QueryTimeout time.Duration
	// SnapshotTTL is forwarded to the store on every write; zero uses the store default.
	SnapshotTTL time.Duration
	Credentials CredentialSource
	Clock       func() time.Time
	Logger      observability.Logger
	Metrics     *telemetry.Metrics
}

// Options tunes a single poller. Zero values fall back to Config.
type Options struct {
	Interval time.Duration
	// MaxRetries overrides Config.MaxRetries when non-nil. Zero fails on the first transport error.
	MaxRetries *int
}

// RetryLimit returns n as an Options.MaxRetries override.
func RetryLimit(n int) *int { return &n }

// Manager owns every live poller. At most one poller exists per session id.
type Manager struct {
	client StatusQuerier
	store  SnapshotStore
	cfg    Config
	logger observability.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	pollers map[string]*Poller
	closed  bool

	callbacks hooks
	subs      subscribers
}

// NewManager constructs a manager querying client and persisting through store.
func NewManager(client StatusQuerier, store SnapshotStore, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:  client,
		store:   store,
		cfg:     cfg,
		logger:  observability.Or(cfg.Logger),
		root:    root,
		cancel:  cancel,
		pollers: make(map[string]*Poller),
	}
}

// OnPaid registers a callback fired once per session that reaches paid.
func (m *Manager) OnPaid(fn Callback) { m.callbacks.add(payment.StatusPaid, fn) }

// OnFailed registers a callback fired once per session that reaches failed.
func (m *Manager) OnFailed(fn Callback) { m.callbacks.add(payment.StatusFailed, fn) }

// OnExpired registers a callback fired once per session that reaches expired.
func (m *Manager) OnExpired(fn Callback) { m.callbacks.add(payment.StatusExpired, fn) }

// OnCancelled registers a callback fired once per session that reaches cancelled.
func (m *Manager) OnCancelled(fn Callback) { m.callbacks.add(payment.StatusCancelled, fn) }

// Subscribe registers fn for every status change of sessionID. An empty id subscribes to all sessions.
// The returned func removes the subscription. fn runs on the poller goroutine and must not block.
func (m *Manager) Subscribe(sessionID string, fn Callback) func() {
	if fn == nil {
		return func() {}
	}
	return m.subs.add(strings.TrimSpace(sessionID), fn)
}

// Start begins polling sessionID from its stored snapshot, seeding a pending one when none exists.
// A second Start for a live session returns the existing poller.
func (m *Manager) Start(ctx context.Context, sessionID string, opts Options) (*Poller, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errs.New("poller", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	if p, ok := m.Get(sessionID); ok {
		return p, nil
	}
	snap, err := m.store.Get(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, statusstore.ErrNotFound):
		snap = payment.NewSnapshot(sessionID, m.cfg.Clock())
	default:
		m.logger.Warn("poller: load snapshot failed, starting fresh",
			observability.F("session_id", sessionID),
			observability.F("error", err))
		snap = payment.NewSnapshot(sessionID, m.cfg.Clock())
	}
	return m.launch(ctx, snap, opts, false)
}

// Track persists snap and begins polling it. Used for freshly created sessions.
func (m *Manager) Track(ctx context.Context, snap payment.Snapshot, opts Options) (*Poller, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if p, ok := m.Get(snap.SessionID); ok {
		return p, nil
	}
	return m.launch(ctx, snap, opts, true)
}

func (m *Manager) launch(ctx context.Context, snap payment.Snapshot, opts Options, persist bool) (*Poller, error) {
	if snap.Terminal() {
		return nil, terminalError(snap)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if existing, ok := m.pollers[snap.SessionID]; ok {
		return existing, nil
	}
	if persist {
		if err := m.store.Put(ctx, snap.SessionID, snap, m.cfg.SnapshotTTL); err != nil {
			m.logger.Warn("poller: persist initial snapshot failed",
				observability.F("session_id", snap.SessionID),
				observability.F("error", err))
		}
	} else if stored, err := m.store.Get(ctx, snap.SessionID); err == nil {
		// Resolve may have finalised the session since the caller loaded snap.
		if stored.Terminal() {
			return nil, terminalError(stored)
		}
		snap = stored
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	maxRetries := m.cfg.MaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	p := newPoller(m, snap, interval, maxRetries)
	m.pollers[snap.SessionID] = p
	m.cfg.Metrics.PollerActive(ctx, 1)
	m.wg.Go(p.run)
	m.logger.Debug("poller started",
		observability.F("session_id", snap.SessionID),
		observability.F("interval", interval.String()),
		observability.F("max_retries", maxRetries))
	return p, nil
}

// Get returns the live poller for sessionID.
func (m *Manager) Get(sessionID string) (*Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[sessionID]
	return p, ok
}

// Active lists the session ids with a live poller, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pollers))
	for id := range m.pollers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Resolve forces sessionID into a terminal status, persisting it and firing callbacks once.
// A live poller is finalised in place; otherwise the stored snapshot is updated.
func (m *Manager) Resolve(ctx context.Context, sessionID string, status payment.Status, reason string) (payment.Snapshot, error) {
	if !status.Terminal() {
		return payment.Snapshot{}, errs.New("poller", errs.CodeInvalid,
			errs.WithMessage("resolve requires a terminal status"))
	}
	if p, ok := m.Get(sessionID); ok {
		return p.resolve(ctx, status, reason)
	}

	m.mu.Lock()
	if _, ok := m.pollers[sessionID]; ok {
		m.mu.Unlock()
		return m.Resolve(ctx, sessionID, status, reason)
	}
	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.mu.Unlock()
		return payment.Snapshot{}, err
	}
	if snap.Terminal() {
		m.mu.Unlock()
		return snap, terminalError(snap)
	}
	prev := snap.Status
	snap.Status = status
	snap.Reason = reason
	snap.LastCheckedAt = m.cfg.Clock().UTC()
	if err := m.store.Put(ctx, sessionID, snap, m.cfg.SnapshotTTL); err != nil {
		m.logger.Warn("poller: persist resolved snapshot failed",
			observability.F("session_id", sessionID),
			observability.F("error", err))
	}
	m.mu.Unlock()

	m.transitioned(ctx, prev, snap)
	m.callbacks.fire(snap)
	return snap, nil
}

// Close stops every poller and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// detach drops p from the live set so a later Start can replace it.
func (m *Manager) detach(p *Poller) {
	m.mu.Lock()
	if current, ok := m.pollers[p.sessionID]; ok && current == p {
		delete(m.pollers, p.sessionID)
	}
	m.mu.Unlock()
}

func (m *Manager) release(p *Poller) {
	m.detach(p)
	m.cfg.Metrics.PollerActive(context.Background(), -1)
}

func (m *Manager) transitioned(ctx context.Context, prev payment.Status, snap payment.Snapshot) {
	m.cfg.Metrics.PollerTransition(ctx, string(snap.Status), snap.Reason)
	m.logger.Info("payment status changed",
		observability.F("session_id", snap.SessionID),
		observability.F("from", string(prev)),
		observability.F("to", string(snap.Status)),
		observability.F("reason", snap.Reason))
	m.subs.notify(snap)
}

func terminalError(snap payment.Snapshot) error {
	return errs.New("poller", errs.CodeConflict,
		errs.WithMessage("session "+snap.SessionID+" already "+string(snap.Status)),
		errs.WithCanonicalCode(errs.CanonicalTerminalState))
}

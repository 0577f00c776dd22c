// Package monitor composes checkout dispatch, status polling and recovery behind one facade.
package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/app/checkout"
	"github.com/coachpo/paywatch/internal/app/poller"
	"github.com/coachpo/paywatch/internal/app/recovery"
	"github.com/coachpo/paywatch/internal/app/strategy"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/infra/config"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/provider"
	"github.com/coachpo/paywatch/internal/statusstore"
	"github.com/coachpo/paywatch/internal/telemetry"
)

// Option customises a Service.
type Option func(*settings)

type settings struct {
	clock   func() time.Time
	logger  observability.Logger
	metrics *telemetry.Metrics
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics attaches the instrument set.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *settings) { s.metrics = metrics }
}

// Service is the surface exposed to the UI layer and the control API.
type Service struct {
	client     provider.Client
	store      *statusstore.Store
	selector   *strategy.Selector
	dispatcher *checkout.Dispatcher
	manager    *poller.Manager
	scanner    *recovery.Scanner
	keyring    *provider.Keyring
	polling    poller.Options
	clock      func() time.Time
	logger     observability.Logger
}

// New wires a Service from configuration. The caller keeps ownership of store.
func New(client provider.Client, store *statusstore.Store, cfg config.AppConfig, opts ...Option) *Service {
	st := settings{clock: time.Now}
	for _, opt := range opts {
		opt(&st)
	}
	logger := observability.Or(st.logger)

	selector := strategy.NewSelector(client.Variants())
	keyring := provider.NewKeyring(cfg.Provider.Credential)
	dispatcher := checkout.NewDispatcher(client, selector, checkout.Options{
		Policy: provider.CredentialPolicy{
			Prefixes:  cfg.Provider.CredentialPrefixes,
			MinLength: cfg.Provider.CredentialMinLength,
		},
		AttemptTimeout: cfg.Provider.RequestTimeout,
		Clock:          st.clock,
		Logger:         logger,
		Metrics:        st.metrics,
	})
	manager := poller.NewManager(client, store, poller.Config{
		Interval:     cfg.Polling.Interval,
		MaxRetries:   cfg.Polling.MaxRetries,
		QueryTimeout: cfg.Polling.QueryTimeout,
		SnapshotTTL:  cfg.Store.SnapshotTTL,
		Credentials:  keyring,
		Clock:        st.clock,
		Logger:       logger,
		Metrics:      st.metrics,
	})
	scanner := recovery.NewScanner(store, manager, recovery.Config{
		TTL:         cfg.Recovery.TTL,
		Interval:    cfg.Polling.Interval,
		MaxRetries:  poller.RetryLimit(cfg.Polling.MaxRetries),
		Concurrency: cfg.Recovery.Concurrency,
		Clock:       st.clock,
		Logger:      logger,
		Metrics:     st.metrics,
	})

	svc := &Service{
		client:     client,
		store:      store,
		selector:   selector,
		dispatcher: dispatcher,
		manager:    manager,
		scanner:    scanner,
		keyring:    keyring,
		polling:    poller.Options{Interval: cfg.Polling.Interval, MaxRetries: poller.RetryLimit(cfg.Polling.MaxRetries)},
		clock:      st.clock,
		logger:     logger,
	}
	manager.Subscribe("", func(snap payment.Snapshot) {
		if snap.Terminal() {
			keyring.Forget(snap.SessionID)
		}
	})
	return svc
}

// CreateAndMonitor opens a checkout session and starts polling it.
func (s *Service) CreateAndMonitor(ctx context.Context, productID, credential string) (payment.Snapshot, error) {
	session, err := s.dispatcher.CreateCheckout(ctx, productID, credential)
	if err != nil {
		return payment.Snapshot{}, err
	}
	s.keyring.Bind(session.SessionID, credential)

	snap := payment.NewSnapshot(session.SessionID, s.clock())
	snap.ProductID = strings.TrimSpace(productID)
	snap.Strategy = session.Strategy
	snap.PaymentURL = session.PaymentURL
	snap.QRPayload = session.QRPayload
	snap.AmountMinor = session.AmountMinor
	snap.Currency = session.Currency
	snap.CredentialHint = provider.Redact(credential)

	if _, err := s.manager.Track(ctx, snap, s.polling); err != nil {
		s.keyring.Forget(session.SessionID)
		return payment.Snapshot{}, err
	}
	return snap, nil
}

// OnStatusChange calls fn on every status change of sessionID until the returned func is called.
func (s *Service) OnStatusChange(sessionID string, fn func(payment.Snapshot)) func() {
	return s.manager.Subscribe(sessionID, fn)
}

// OnPaid registers a callback fired once for every paid session.
func (s *Service) OnPaid(fn func(payment.Snapshot)) { s.manager.OnPaid(fn) }

// OnFailed registers a callback fired once for every failed session.
func (s *Service) OnFailed(fn func(payment.Snapshot)) { s.manager.OnFailed(fn) }

// OnExpired registers a callback fired once for every expired session.
func (s *Service) OnExpired(fn func(payment.Snapshot)) { s.manager.OnExpired(fn) }

// OnCancelled registers a callback fired once for every cancelled session.
func (s *Service) OnCancelled(fn func(payment.Snapshot)) { s.manager.OnCancelled(fn) }

// RecoverAll resumes in-flight sessions from the store. Call once at startup.
func (s *Service) RecoverAll(ctx context.Context) (int, error) {
	return s.scanner.RecoverAll(ctx)
}

// Recover is RecoverAll with the full scan report.
func (s *Service) Recover(ctx context.Context) (recovery.Report, error) {
	return s.scanner.Scan(ctx)
}

// Snapshot returns the freshest known snapshot for sessionID.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (payment.Snapshot, error) {
	if p, ok := s.manager.Get(sessionID); ok {
		return p.Snapshot(), nil
	}
	return s.store.Get(ctx, sessionID)
}

// List returns every unexpired snapshot in the store.
func (s *Service) List(ctx context.Context) ([]payment.Snapshot, error) {
	return s.store.ListAll(ctx)
}

// Pause suspends polling for a live session.
func (s *Service) Pause(ctx context.Context, sessionID string) (payment.Snapshot, error) {
	p, err := s.live(ctx, sessionID)
	if err != nil {
		return payment.Snapshot{}, err
	}
	p.Pause()
	return p.Snapshot(), nil
}

// Resume restarts polling for a paused session.
func (s *Service) Resume(ctx context.Context, sessionID string) (payment.Snapshot, error) {
	p, err := s.live(ctx, sessionID)
	if err != nil {
		return payment.Snapshot{}, err
	}
	p.Resume()
	return p.Snapshot(), nil
}

// Cancel marks a session cancelled locally. The provider is not contacted.
func (s *Service) Cancel(ctx context.Context, sessionID string) (payment.Snapshot, error) {
	return s.manager.Resolve(ctx, sessionID, payment.StatusCancelled, payment.ReasonCancelledLocally)
}

// Strategies returns the current strategy ranking.
func (s *Service) Strategies() []strategy.Ranking {
	return s.selector.Rankings()
}

// Active lists sessions with a live poller.
func (s *Service) Active() []string {
	return s.manager.Active()
}

// Degraded reports whether the store is serving from its in-memory mirror.
func (s *Service) Degraded() bool {
	return s.store.Degraded()
}

// Close stops every poller.
func (s *Service) Close() {
	s.manager.Close()
}

func (s *Service) live(ctx context.Context, sessionID string) (*poller.Poller, error) {
	if p, ok := s.manager.Get(sessionID); ok {
		return p, nil
	}
	snap, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap.Terminal() {
		return nil, errs.New("monitor", errs.CodeConflict,
			errs.WithMessage("session "+sessionID+" already "+string(snap.Status)),
			errs.WithCanonicalCode(errs.CanonicalTerminalState))
	}
	return nil, errs.New("monitor", errs.CodeNotFound,
		errs.WithMessage("session "+sessionID+" is not being polled"),
		errs.WithCanonicalCode(errs.CanonicalSessionNotFound),
		errs.WithCause(errors.New("no live poller")))
}

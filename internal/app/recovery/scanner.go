// Package recovery re-attaches pollers to in-flight payments after a restart.
package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/paywatch/internal/app/poller"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/telemetry"
)

// Defaults for the startup scan.
const (
	DefaultTTL         = 60 * time.Minute
	DefaultConcurrency = 8
)

// SnapshotLister enumerates persisted snapshots.
type SnapshotLister interface {
	ListAll(ctx context.Context) ([]payment.Snapshot, error)
}

// PollerStarter resumes or finalises sessions.
type PollerStarter interface {
	Start(ctx context.Context, sessionID string, opts poller.Options) (*poller.Poller, error)
	Resolve(ctx context.Context, sessionID string, status payment.Status, reason string) (payment.Snapshot, error)
}

// Config tunes the scanner.
type Config struct {
	// TTL is the age past which a non-terminal snapshot is presumed abandoned.
	TTL         time.Duration
	Interval    time.Duration
	// MaxRetries is forwarded to resumed pollers; nil keeps the manager's limit.
	MaxRetries  *int
	Concurrency int
	Clock       func() time.Time
	Logger      observability.Logger
	Metrics     *telemetry.Metrics
}

// Report summarises one scan.
type Report struct {
	Scanned int `json:"scanned"`
	Resumed int `json:"resumed"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scanner rebuilds pollers from the snapshot store.
type Scanner struct {
	store   SnapshotLister
	pollers PollerStarter
	cfg     Config
	logger  observability.Logger
}

// NewScanner constructs a Scanner.
func NewScanner(store SnapshotLister, pollers PollerStarter, cfg Config) *Scanner {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scanner{store: store, pollers: pollers, cfg: cfg, logger: observability.Or(cfg.Logger)}
}

// RecoverAll resumes every recoverable session and returns how many were resumed.
// An empty or unavailable store yields 0 and no error.
func (s *Scanner) RecoverAll(ctx context.Context) (int, error) {
	report, err := s.Scan(ctx)
	return report.Resumed, err
}

// Scan is RecoverAll with a full breakdown.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	start := s.cfg.Clock()
	defer func() { s.cfg.Metrics.RecoveryScan(ctx, s.cfg.Clock().Sub(start)) }()

	snapshots, err := s.store.ListAll(ctx)
	if err != nil {
		s.logger.Warn("recovery: snapshot store unavailable, nothing resumed", observability.F("error", err))
		return Report{}, nil
	}

	now := s.cfg.Clock()
	var resumed, expired, skipped, failed atomic.Int64
	workers := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for _, snap := range snapshots {
		if snap.Terminal() {
			skipped.Add(1)
			s.cfg.Metrics.RecoverySession(ctx, telemetry.OutcomeSkipped)
			continue
		}
		snap := snap
		workers.Go(func() {
			outcome := s.recoverOne(ctx, snap, now)
			switch outcome {
			case telemetry.OutcomeResumed:
				resumed.Add(1)
			case telemetry.OutcomeExpired:
				expired.Add(1)
			case telemetry.OutcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			s.cfg.Metrics.RecoverySession(ctx, outcome)
		})
	}
	workers.Wait()

	report := Report{
		Scanned: len(snapshots),
		Resumed: int(resumed.Load()),
		Expired: int(expired.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	s.logger.Info("recovery scan complete",
		observability.F("scanned", report.Scanned),
		observability.F("resumed", report.Resumed),
		observability.F("expired", report.Expired),
		observability.F("skipped", report.Skipped),
		observability.F("failed", report.Failed))
	return report, nil
}

func (s *Scanner) recoverOne(ctx context.Context, snap payment.Snapshot, now time.Time) string {
	if snap.Age(now) >= s.cfg.TTL {
		if _, err := s.pollers.Resolve(ctx, snap.SessionID, payment.StatusExpired, payment.ReasonRecoveryTTLElapsed); err != nil {
			s.logger.Warn("recovery: expire stale session failed",
				observability.F("session_id", snap.SessionID),
				observability.F("error", err))
			return telemetry.OutcomeFailed
		}
		return telemetry.OutcomeExpired
	}
	if _, err := s.pollers.Start(ctx, snap.SessionID, poller.Options{Interval: s.cfg.Interval, MaxRetries: s.cfg.MaxRetries}); err != nil {
		s.logger.Warn("recovery: resume session failed",
			observability.F("session_id", snap.SessionID),
			observability.F("error", err))
		return telemetry.OutcomeFailed
	}
	return telemetry.OutcomeResumed
}

package statusstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/telemetry"
)

const (
	// DefaultKeyPrefix namespaces snapshot keys inside a shared backend.
	DefaultKeyPrefix = "paywatch:snapshot:"
	// DefaultTTL applies when Put is called without a ttl.
	DefaultTTL = 24 * time.Hour
	// DefaultSweepInterval throttles the lazy sweep triggered by writes.
	DefaultSweepInterval = time.Minute
)

// Options configures a Store.
type Options struct {
	// Backend names the KV for logs and metrics.
	Backend       string
	KeyPrefix     string
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        observability.Logger
	Metrics       *telemetry.Metrics
}

// Store persists payment snapshots keyed by session id.
//
// Every write is mirrored in memory. When the backend fails the store keeps serving from the
// mirror and reports itself degraded until the backend answers again.
type Store struct {
	kv     KV
	mirror *MemoryKV
	opts   Options

	sweepMu   sync.Mutex
	lastSweep time.Time
	degraded  atomic.Bool
}

// New wraps kv. A nil kv yields a memory-only store.
func New(kv KV, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if strings.TrimSpace(opts.Backend) == "" {
		opts.Backend = "memory"
	}
	s := &Store{kv: kv, opts: opts}
	if kv == nil {
		s.kv = newMemoryKV()
	}
	if _, isMemory := s.kv.(*MemoryKV); !isMemory {
		s.mirror = newMemoryKV()
	}
	return s
}

// Backend returns the configured backend name.
func (s *Store) Backend() string {
	return s.opts.Backend
}

// Degraded reports whether the last backend operation failed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Put writes snap under key, replacing any previous value. A non-positive ttl uses the default.
func (s *Store) Put(ctx context.Context, key string, snap payment.Snapshot, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New("statusstore", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.SessionID != key {
		return errs.New("statusstore", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("key %q does not match session id %q", key, snap.SessionID)))
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	snap = normaliseTimes(snap)
	value, err := encode(snap, ttl)
	if err != nil {
		return err
	}
	entry := Entry{Key: s.storageKey(key), Value: value, ExpiresAt: expiresAt(snap, ttl)}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, entry); err != nil {
			return err
		}
	}
	if err := s.kv.Put(ctx, entry); err != nil {
		if s.mirror == nil {
			return storeError("put", err)
		}
		s.degrade(ctx, "put", key, err)
	} else {
		s.healthy()
	}
	s.maybeSweep(ctx)
	return nil
}

// Get returns the snapshot stored under key. Missing keys yield an error matching ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (payment.Snapshot, error) {
	storageKey := s.storageKey(strings.TrimSpace(key))
	entry, err := s.kv.Get(ctx, storageKey)
	switch {
	case err == nil:
		s.healthy()
	case errors.Is(err, ErrNotFound):
		s.healthy()
		return payment.Snapshot{}, notFound(key)
	case s.mirror != nil:
		s.degrade(ctx, "get", key, err)
		entry, err = s.mirror.Get(ctx, storageKey)
		if errors.Is(err, ErrNotFound) {
			return payment.Snapshot{}, notFound(key)
		}
		if err != nil {
			return payment.Snapshot{}, storeError("get", err)
		}
	default:
		return payment.Snapshot{}, storeError("get", err)
	}
	snap, _, err := decode(entry.Value)
	if err != nil {
		return payment.Snapshot{}, err
	}
	return snap, nil
}

// Delete removes key. Removing a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	storageKey := s.storageKey(strings.TrimSpace(key))
	if s.mirror != nil {
		_ = s.mirror.Delete(ctx, storageKey)
	}
	if err := s.kv.Delete(ctx, storageKey); err != nil {
		if s.mirror == nil {
			return storeError("delete", err)
		}
		s.degrade(ctx, "delete", key, err)
		return nil
	}
	s.healthy()
	return nil
}

// ListAll returns every stored snapshot whose TTL has not elapsed, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]payment.Snapshot, error) {
	entries, err := s.kv.List(ctx, s.opts.KeyPrefix)
	if err != nil {
		if s.mirror == nil {
			return nil, storeError("list", err)
		}
		s.degrade(ctx, "list", "", err)
		if entries, err = s.mirror.List(ctx, s.opts.KeyPrefix); err != nil {
			return nil, storeError("list", err)
		}
	} else {
		s.healthy()
	}

	now := s.opts.Clock().UTC()
	out := make([]payment.Snapshot, 0, len(entries))
	for _, entry := range entries {
		snap, ttl, err := decode(entry.Value)
		if err != nil {
			observability.Or(s.opts.Logger).Warn("statusstore: skipping undecodable entry",
				observability.F("key", entry.Key), observability.F("error", err))
			continue
		}
		if ttl > 0 && !now.Before(snap.CreatedAt.Add(ttl)) {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Sweep removes expired snapshots and returns how many the backend dropped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.opts.Clock().UTC()
	s.sweepMu.Lock()
	s.lastSweep = now
	s.sweepMu.Unlock()

	if s.mirror != nil {
		_, _ = s.mirror.DeleteExpired(ctx, s.opts.KeyPrefix, now)
	}
	removed, err := s.sweepBackend(ctx, now)
	if err != nil {
		if s.mirror == nil {
			return 0, storeError("sweep", err)
		}
		s.degrade(ctx, "sweep", "", err)
		return 0, nil
	}
	s.healthy()
	s.opts.Metrics.StoreSwept(ctx, s.opts.Backend, removed)
	return removed, nil
}

// Close releases the mirror and, when it supports it, the backend.
func (s *Store) Close() error {
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
	if closer, ok := s.kv.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) sweepBackend(ctx context.Context, now time.Time) (int, error) {
	if sweeper, ok := s.kv.(ExpirySweeper); ok {
		return sweeper.DeleteExpired(ctx, s.opts.KeyPrefix, now)
	}
	entries, err := s.kv.List(ctx, s.opts.KeyPrefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if err := s.kv.Delete(ctx, entry.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) maybeSweep(ctx context.Context) {
	now := s.opts.Clock().UTC()
	s.sweepMu.Lock()
	due := now.Sub(s.lastSweep) >= s.opts.SweepInterval
	s.sweepMu.Unlock()
	if !due {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		observability.Or(s.opts.Logger).Warn("statusstore: sweep failed",
			observability.F("backend", s.opts.Backend), observability.F("error", err))
	}
}

func (s *Store) degrade(ctx context.Context, op, key string, err error) {
	if !s.degraded.Swap(true) {
		observability.Or(s.opts.Logger).Warn("statusstore: backend unavailable, serving from memory",
			observability.F("backend", s.opts.Backend),
			observability.F("operation", op),
			observability.F("key", key),
			observability.F("error", err))
	}
	s.opts.Metrics.StoreDegraded(ctx, s.opts.Backend, op)
}

func (s *Store) healthy() {
	if s.degraded.Swap(false) {
		observability.Or(s.opts.Logger).Info("statusstore: backend recovered",
			observability.F("backend", s.opts.Backend))
	}
}

func (s *Store) storageKey(key string) string {
	return s.opts.KeyPrefix + key
}

func normaliseTimes(snap payment.Snapshot) payment.Snapshot {
	snap.CreatedAt = snap.CreatedAt.UTC()
	if !snap.LastCheckedAt.IsZero() {
		snap.LastCheckedAt = snap.LastCheckedAt.UTC()
	}
	return snap
}

func notFound(key string) error {
	return errs.New("statusstore", errs.CodeNotFound,
		errs.WithMessage(fmt.Sprintf("snapshot %q not found", key)),
		errs.WithCanonicalCode(errs.CanonicalSessionNotFound),
		errs.WithCause(ErrNotFound))
}

func storeError(op string, err error) error {
	return errs.New("statusstore", errs.CodeUnavailable,
		errs.WithMessage(op+" failed"),
		errs.WithCanonicalCode(errs.CanonicalStoreUnavailable),
		errs.WithCause(err))
}

package statusstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/domain/payment"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyKV delegates to a memory KV until failing is set.
type flakyKV struct {
	*MemoryKV
	mu      sync.Mutex
	failing bool
}

var errBackendDown = errors.New("backend down")

func (f *flakyKV) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyKV) down() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

func (f *flakyKV) Put(ctx context.Context, e Entry) error {
	if f.down() {
		return errBackendDown
	}
	return f.MemoryKV.Put(ctx, e)
}

func (f *flakyKV) Get(ctx context.Context, key string) (Entry, error) {
	if f.down() {
		return Entry{}, errBackendDown
	}
	return f.MemoryKV.Get(ctx, key)
}

func (f *flakyKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	if f.down() {
		return nil, errBackendDown
	}
	return f.MemoryKV.List(ctx, prefix)
}

func newTestStore(t *testing.T, kv KV, clock *fakeClock) *Store {
	t.Helper()
	store := New(kv, Options{Backend: "test", Clock: clock.Now})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSnapshot(id string, created time.Time) payment.Snapshot {
	snap := payment.NewSnapshot(id, created)
	snap.Status = payment.StatusProcessing
	snap.RawStatus = "USERPAYING"
	snap.AmountMinor = 1999
	snap.Currency = "CNY"
	snap.RetryCount = 2
	snap.LastError = "timeout"
	snap.ProductID = "sku-1"
	snap.Strategy = "json-body"
	snap.PaymentURL = "https://pay.example.com/cs"
	snap.CredentialHint = "sk_live_****"
	snap.LastCheckedAt = created.Add(3 * time.Second)
	return snap
}

func TestStoreRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, newMemoryKV(), clock)
	ctx := context.Background()

	want := sampleSnapshot("cs_1", clock.Now())
	require.NoError(t, store.Put(ctx, "cs_1", want, time.Hour))

	got, err := store.Get(ctx, "cs_1")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStorePutOverwrites(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, newMemoryKV(), clock)
	ctx := context.Background()

	snap := sampleSnapshot("cs_1", clock.Now())
	require.NoError(t, store.Put(ctx, "cs_1", snap, 0))
	snap.Status = payment.StatusPaid
	require.NoError(t, store.Put(ctx, "cs_1", snap, 0))

	got, err := store.Get(ctx, "cs_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, got.Status)
}

func TestStorePutRejectsInvalidInput(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, newMemoryKV(), clock)
	ctx := context.Background()

	require.Error(t, store.Put(ctx, "", sampleSnapshot("cs_1", clock.Now()), 0))
	require.Error(t, store.Put(ctx, "cs_2", sampleSnapshot("cs_1", clock.Now()), 0))
	require.Error(t, store.Put(ctx, "cs_1", payment.Snapshot{SessionID: "cs_1"}, 0))
}

func TestStoreGetMissing(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, newMemoryKV(), clock)

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, errs.CanonicalSessionNotFound, errs.CanonicalOf(err))
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, newMemoryKV(), clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cs_1", sampleSnapshot("cs_1", clock.Now()), 0))
	require.NoError(t, store.Delete(ctx, "cs_1"))
	require.NoError(t, store.Delete(ctx, "cs_1"))
	_, err := store.Get(ctx, "cs_1")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreListAllExcludesExpired(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	store := newTestStore(t, newMemoryKV(), clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cs_new", sampleSnapshot("cs_new", base.Add(-time.Minute)), time.Hour))
	require.NoError(t, store.Put(ctx, "cs_old", sampleSnapshot("cs_old", base.Add(-2*time.Hour)), time.Hour))
	require.NoError(t, store.Put(ctx, "cs_mid", sampleSnapshot("cs_mid", base.Add(-30*time.Minute)), time.Hour))

	list, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "cs_mid", list[0].SessionID)
	require.Equal(t, "cs_new", list[1].SessionID)

	clock.Advance(45 * time.Minute)
	list, err = store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "cs_new", list[0].SessionID)
}

func TestStoreSweepRemovesExpired(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	kv := newMemoryKV()
	store := newTestStore(t, kv, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cs_new", sampleSnapshot("cs_new", base), time.Hour))
	require.NoError(t, store.Put(ctx, "cs_old", sampleSnapshot("cs_old", base.Add(-2*time.Hour)), time.Hour))

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, kv.Len())
}

func TestStoreLazySweepIsThrottled(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	kv := newMemoryKV()
	store := newTestStore(t, kv, clock)
	ctx := context.Background()

	// First write sweeps; the expired entry written afterwards survives until the interval passes.
	require.NoError(t, store.Put(ctx, "cs_a", sampleSnapshot("cs_a", base), time.Hour))
	require.NoError(t, store.Put(ctx, "cs_old", sampleSnapshot("cs_old", base.Add(-2*time.Hour)), time.Hour))
	require.Equal(t, 2, kv.Len())

	clock.Advance(DefaultSweepInterval)
	require.NoError(t, store.Put(ctx, "cs_b", sampleSnapshot("cs_b", clock.Now()), time.Hour))
	require.Equal(t, 2, kv.Len())
	_, err := kv.Get(ctx, DefaultKeyPrefix+"cs_old")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreDegradesToMirror(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	kv := &flakyKV{MemoryKV: newMemoryKV()}
	store := newTestStore(t, kv, clock)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cs_1", sampleSnapshot("cs_1", base), time.Hour))
	require.False(t, store.Degraded())

	kv.setFailing(true)
	snap := sampleSnapshot("cs_2", base)
	require.NoError(t, store.Put(ctx, "cs_2", snap, time.Hour))
	require.True(t, store.Degraded())

	got, err := store.Get(ctx, "cs_2")
	require.NoError(t, err)
	require.Equal(t, snap, got)

	list, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	kv.setFailing(false)
	_, err = store.Get(ctx, "cs_1")
	require.NoError(t, err)
	require.False(t, store.Degraded())
}

func TestStoreWithoutMirrorSurfacesBackendErrors(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, nil, clock)
	ctx := context.Background()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := store.Put(cancelled, "cs_1", sampleSnapshot("cs_1", clock.Now()), 0)
	require.Error(t, err)
	require.True(t, errs.IsCanonical(err, errs.CanonicalStoreUnavailable))
}

package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/domain/payment"
	"github.com/coachpo/paywatch/internal/infra/adapters/fake"
	"github.com/coachpo/paywatch/internal/statusstore"
)

const fastInterval = 5 * time.Millisecond

func newTestManager(t *testing.T, p *fake.Provider, maxRetries int) (*Manager, *statusstore.Store) {
	t.Helper()
	store := statusstore.New(nil, statusstore.Options{Backend: "memory"})
	m := NewManager(p, store, Config{Interval: fastInterval, MaxRetries: maxRetries, QueryTimeout: time.Second})
	t.Cleanup(func() {
		m.Close()
		_ = store.Close()
	})
	return m, store
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("poller %s did not finish", p.SessionID())
	}
}

func TestPendingPendingTradeSuccessPaysOnce(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_paid", "PENDING", "PENDING", "TRADE_SUCCESS")
	m, store := newTestManager(t, provider, 10)

	var paid atomic.Int32
	var seenInStore payment.Status
	m.OnPaid(func(snap payment.Snapshot) {
		paid.Add(1)
		stored, err := store.Get(context.Background(), snap.SessionID)
		if err == nil {
			seenInStore = stored.Status
		}
	})
	var mu sync.Mutex
	var changes []payment.Status
	m.Subscribe("cs_paid", func(snap payment.Snapshot) {
		mu.Lock()
		changes = append(changes, snap.Status)
		mu.Unlock()
	})

	p, err := m.Start(context.Background(), "cs_paid", Options{})
	require.NoError(t, err)
	waitDone(t, p)

	require.Equal(t, int32(1), paid.Load())
	require.Equal(t, payment.StatusPaid, seenInStore, "snapshot must be persisted before callbacks")
	require.Equal(t, 3, provider.QueryCalls("cs_paid"))

	stored, err := store.Get(context.Background(), "cs_paid")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, stored.Status)
	require.Equal(t, "TRADE_SUCCESS", stored.RawStatus)
	require.Equal(t, payment.ReasonProviderReported, stored.Reason)

	mu.Lock()
	require.Equal(t, []payment.Status{payment.StatusPaid}, changes)
	mu.Unlock()
	require.Empty(t, m.Active())
}

func TestTransportErrorsExhaustRetries(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_flaky", "PENDING")
	provider.FailQueries("cs_flaky", 12)
	m, store := newTestManager(t, provider, 10)

	var failed atomic.Int32
	m.OnFailed(func(payment.Snapshot) { failed.Add(1) })

	p, err := m.Start(context.Background(), "cs_flaky", Options{})
	require.NoError(t, err)
	waitDone(t, p)

	require.Equal(t, 11, provider.QueryCalls("cs_flaky"), "must fail on the 11th error")
	require.Equal(t, int32(1), failed.Load())
	stored, err := store.Get(context.Background(), "cs_flaky")
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, stored.Status)
	require.Equal(t, payment.ReasonPollingExhausted, stored.Reason)
	require.Equal(t, 11, stored.RetryCount)
	require.NotEmpty(t, stored.LastError)
}

func TestSuccessfulQueryResetsRetryCount(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_recover", "PENDING", "PENDING", "PAID")
	provider.FailQueries("cs_recover", 2)
	m, store := newTestManager(t, provider, 2)

	p, err := m.Start(context.Background(), "cs_recover", Options{})
	require.NoError(t, err)
	waitDone(t, p)

	stored, err := store.Get(context.Background(), "cs_recover")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, stored.Status)
	require.Zero(t, stored.RetryCount)
	require.Empty(t, stored.LastError)
}

func TestRepeatedStartYieldsOnePoller(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_dup", "PENDING")
	store := statusstore.New(nil, statusstore.Options{})
	m := NewManager(provider, store, Config{Interval: time.Hour})
	defer m.Close()

	const callers = 32
	handles := make([]*Poller, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.Start(context.Background(), "cs_dup", Options{})
			if err == nil {
				handles[i] = p
			}
		}(i)
	}
	wg.Wait()
	for i, h := range handles {
		require.NotNil(t, h, "caller %d", i)
		require.Same(t, handles[0], h)
	}
	require.Equal(t, []string{"cs_dup"}, m.Active())
}

func TestTerminalStateIsSticky(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_done", "PAID", "FAILED", "PENDING")
	m, store := newTestManager(t, provider, 10)

	var fired atomic.Int32
	m.OnPaid(func(payment.Snapshot) { fired.Add(1) })
	m.OnFailed(func(payment.Snapshot) { fired.Add(1) })

	p, err := m.Start(context.Background(), "cs_done", Options{})
	require.NoError(t, err)
	waitDone(t, p)
	p.Stop()

	_, err = m.Start(context.Background(), "cs_done", Options{})
	require.True(t, errs.IsCanonical(err, errs.CanonicalTerminalState), "got %v", err)
	snap, err := m.Resolve(context.Background(), "cs_done", payment.StatusCancelled, payment.ReasonCancelledLocally)
	require.True(t, errs.IsCanonical(err, errs.CanonicalTerminalState))
	require.Equal(t, payment.StatusPaid, snap.Status)

	stored, err := store.Get(context.Background(), "cs_done")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, stored.Status)
	require.Equal(t, int32(1), fired.Load())
	require.Equal(t, 1, provider.QueryCalls("cs_done"))
}

func TestUnknownStatusTreatedAsProcessing(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_odd", "REFUND_REVIEW", "PENDING", "SUCCESS")
	m, _ := newTestManager(t, provider, 10)

	var mu sync.Mutex
	var changes []payment.Status
	m.Subscribe("", func(snap payment.Snapshot) {
		mu.Lock()
		changes = append(changes, snap.Status)
		mu.Unlock()
	})
	p, err := m.Start(context.Background(), "cs_odd", Options{})
	require.NoError(t, err)
	waitDone(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []payment.Status{payment.StatusProcessing, payment.StatusPaid}, changes)
}

func TestPauseResumeKeepsRetryCount(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.FailQueries("cs_pause", -1)
	m, _ := newTestManager(t, provider, 1000)

	p, err := m.Start(context.Background(), "cs_pause", Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Snapshot().RetryCount >= 2 }, 2*time.Second, time.Millisecond)

	p.Pause()
	require.True(t, p.Paused())
	// Allow an in-flight tick to land before sampling.
	time.Sleep(4 * fastInterval)
	paused := p.Snapshot().RetryCount
	calls := provider.QueryCalls("cs_pause")
	time.Sleep(6 * fastInterval)
	require.Equal(t, calls, provider.QueryCalls("cs_pause"))

	p.Resume()
	require.False(t, p.Paused())
	require.Eventually(t, func() bool { return p.Snapshot().RetryCount > paused }, 2*time.Second, time.Millisecond)
}

func TestStopDiscardsAndAllowsRestart(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_stop", "PENDING")
	m, store := newTestManager(t, provider, 10)

	p, err := m.Start(context.Background(), "cs_stop", Options{})
	require.NoError(t, err)
	p.Stop()
	p.Stop()
	waitDone(t, p)
	require.Empty(t, m.Active())

	stored, err := store.Get(context.Background(), "cs_stop")
	if err == nil {
		require.False(t, stored.Terminal())
	}

	again, err := m.Start(context.Background(), "cs_stop", Options{})
	require.NoError(t, err)
	require.NotSame(t, p, again)
}

func TestResolveLivePollerCancels(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_cancel", "PENDING")
	store := statusstore.New(nil, statusstore.Options{})
	m := NewManager(provider, store, Config{Interval: time.Hour})
	defer m.Close()

	var cancelled atomic.Int32
	p, err := m.Track(context.Background(), payment.NewSnapshot("cs_cancel", time.Now()), Options{})
	require.NoError(t, err)
	p.OnCancelled(func(payment.Snapshot) { cancelled.Add(1) })

	snap, err := m.Resolve(context.Background(), "cs_cancel", payment.StatusCancelled, payment.ReasonCancelledLocally)
	require.NoError(t, err)
	require.Equal(t, payment.StatusCancelled, snap.Status)
	waitDone(t, p)
	_, err = m.Resolve(context.Background(), "cs_cancel", payment.StatusCancelled, payment.ReasonCancelledLocally)
	require.Error(t, err)
	require.Equal(t, int32(1), cancelled.Load())

	stored, err := store.Get(context.Background(), "cs_cancel")
	require.NoError(t, err)
	require.Equal(t, payment.StatusCancelled, stored.Status)
	require.Zero(t, provider.QueryCalls("cs_cancel"))
}

func TestResolveDetachedSnapshot(t *testing.T) {
	provider := fake.New(fake.Options{})
	store := statusstore.New(nil, statusstore.Options{})
	m := NewManager(provider, store, Config{})
	defer m.Close()

	snap := payment.NewSnapshot("cs_orphan", time.Now().Add(-2*time.Hour))
	require.NoError(t, store.Put(context.Background(), snap.SessionID, snap, 0))

	var expired atomic.Int32
	m.OnExpired(func(payment.Snapshot) { expired.Add(1) })
	got, err := m.Resolve(context.Background(), "cs_orphan", payment.StatusExpired, payment.ReasonRecoveryTTLElapsed)
	require.NoError(t, err)
	require.Equal(t, payment.StatusExpired, got.Status)
	require.Equal(t, int32(1), expired.Load())

	_, err = m.Resolve(context.Background(), "cs_orphan", payment.StatusPending, "")
	require.Error(t, err)
	_, err = m.Resolve(context.Background(), "cs_missing", payment.StatusExpired, "")
	require.ErrorIs(t, err, statusstore.ErrNotFound)
}

func TestStartAfterClose(t *testing.T) {
	m := NewManager(fake.New(fake.Options{}), statusstore.New(nil, statusstore.Options{}), Config{})
	m.Close()
	_, err := m.Start(context.Background(), "cs", Options{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = m.Start(context.Background(), " ", Options{})
	require.Error(t, err)
}

// gatedStore holds the first Get until release is closed.
type gatedStore struct {
	*statusstore.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Get(ctx context.Context, key string) (payment.Snapshot, error) {
	snap, err := s.Store.Get(ctx, key)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return snap, err
}

func TestResolveDuringStartKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_race", "TRADE_SUCCESS")
	inner := statusstore.New(nil, statusstore.Options{})
	require.NoError(t, inner.Put(ctx, "cs_race", payment.NewSnapshot("cs_race", time.Now()), 0))
	store := &gatedStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(provider, store, Config{Interval: fastInterval, MaxRetries: 10, QueryTimeout: time.Second})
	defer m.Close()

	var paid, cancelled atomic.Int32
	m.OnPaid(func(payment.Snapshot) { paid.Add(1) })
	m.OnCancelled(func(payment.Snapshot) { cancelled.Add(1) })

	type startResult struct {
		p   *Poller
		err error
	}
	started := make(chan startResult, 1)
	go func() {
		p, err := m.Start(ctx, "cs_race", Options{})
		started <- startResult{p: p, err: err}
	}()
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("Start never loaded the snapshot")
	}

	snap, err := m.Resolve(ctx, "cs_race", payment.StatusCancelled, payment.ReasonCancelledLocally)
	require.NoError(t, err)
	require.Equal(t, payment.StatusCancelled, snap.Status)
	close(store.release)

	var res startResult
	select {
	case res = <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return")
	}
	require.True(t, errs.IsCanonical(res.err, errs.CanonicalTerminalState), "got %v", res.err)
	require.Nil(t, res.p)

	time.Sleep(10 * fastInterval)
	stored, err := inner.Get(ctx, "cs_race")
	require.NoError(t, err)
	require.Equal(t, payment.StatusCancelled, stored.Status)
	require.Equal(t, int32(1), cancelled.Load())
	require.Zero(t, paid.Load())
	require.Zero(t, provider.QueryCalls("cs_race"))
	require.Empty(t, m.Active())
}

func TestZeroMaxRetriesFailsOnFirstTransportError(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_strict", "TRADE_SUCCESS")
	provider.FailQueries("cs_strict", 1)
	m, store := newTestManager(t, provider, 0)

	var failed atomic.Int32
	m.OnFailed(func(payment.Snapshot) { failed.Add(1) })
	p, err := m.Start(context.Background(), "cs_strict", Options{})
	require.NoError(t, err)
	waitDone(t, p)

	require.Equal(t, 1, provider.QueryCalls("cs_strict"))
	require.Equal(t, int32(1), failed.Load())
	stored, err := store.Get(context.Background(), "cs_strict")
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, stored.Status)
	require.Equal(t, payment.ReasonPollingExhausted, stored.Reason)
	require.Equal(t, 1, stored.RetryCount)
}

func TestOptionsRetryLimitOverridesConfig(t *testing.T) {
	provider := fake.New(fake.Options{})
	provider.ScriptStatus("cs_override", "TRADE_SUCCESS")
	provider.FailQueries("cs_override", 1)
	m, store := newTestManager(t, provider, 10)

	p, err := m.Start(context.Background(), "cs_override", Options{MaxRetries: RetryLimit(0)})
	require.NoError(t, err)
	waitDone(t, p)

	require.Equal(t, 1, provider.QueryCalls("cs_override"))
	stored, err := store.Get(context.Background(), "cs_override")
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, stored.Status)
}

// heldQuerier blocks its first query until release is closed and then reports success.
type heldQuerier struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (q *heldQuerier) QueryStatus(context.Context, string, string) (string, error) {
	if q.calls.Add(1) == 1 {
		close(q.entered)
	}
	<-q.release
	return "TRADE_SUCCESS", nil
}

func TestStopDiscardsInFlightQueryResult(t *testing.T) {
	ctx := context.Background()
	querier := &heldQuerier{entered: make(chan struct{}), release: make(chan struct{})}
	store := statusstore.New(nil, statusstore.Options{})
	m := NewManager(querier, store, Config{Interval: fastInterval, MaxRetries: 10, QueryTimeout: time.Second})
	defer m.Close()

	var paid atomic.Int32
	var changes atomic.Int32
	m.OnPaid(func(payment.Snapshot) { paid.Add(1) })
	m.Subscribe("cs_inflight", func(payment.Snapshot) { changes.Add(1) })

	p, err := m.Track(ctx, payment.NewSnapshot("cs_inflight", time.Now()), Options{})
	require.NoError(t, err)
	select {
	case <-querier.entered:
	case <-time.After(5 * time.Second):
		close(querier.release)
		t.Fatalf("query never started")
	}

	p.Stop()
	close(querier.release)
	waitDone(t, p)

	require.Equal(t, int32(1), querier.calls.Load())
	require.Zero(t, paid.Load())
	require.Zero(t, changes.Load())
	require.Equal(t, payment.StatusPending, p.Snapshot().Status)
	stored, err := store.Get(ctx, "cs_inflight")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, stored.Status)
	require.Empty(t, stored.RawStatus)
	require.Empty(t, m.Active())
}

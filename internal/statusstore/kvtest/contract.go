// Package kvtest holds the behavioural contract every statusstore.KV backend must satisfy.
package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/internal/statusstore"
)

// Run exercises a KV implementation produced by factory. Each subtest gets a fresh backend.
func Run(t *testing.T, factory func(t *testing.T) statusstore.KV) {
	t.Helper()
	ctx := context.Background()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		kv := factory(t)
		_, err := kv.Get(ctx, "paywatch:snapshot:missing")
		require.True(t, errors.Is(err, statusstore.ErrNotFound), "expected ErrNotFound, got %v", err)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		kv := factory(t)
		key := "paywatch:snapshot:cs_1"
		require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: key, Value: []byte(`{"a":1}`), ExpiresAt: expiry}))
		require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: key, Value: []byte(`{"a":2}`), ExpiresAt: expiry}))

		got, err := kv.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, key, got.Key)
		require.Equal(t, `{"a":2}`, string(got.Value))
		require.True(t, got.ExpiresAt.Equal(expiry), "expiry %s != %s", got.ExpiresAt, expiry)
	})

	t.Run("delete", func(t *testing.T) {
		kv := factory(t)
		key := "paywatch:snapshot:cs_2"
		require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: key, Value: []byte("x"), ExpiresAt: expiry}))
		require.NoError(t, kv.Delete(ctx, key))
		require.NoError(t, kv.Delete(ctx, key))
		_, err := kv.Get(ctx, key)
		require.True(t, errors.Is(err, statusstore.ErrNotFound))
	})

	t.Run("list by prefix", func(t *testing.T) {
		kv := factory(t)
		for _, key := range []string{"paywatch:snapshot:b", "paywatch:snapshot:a", "other:c"} {
			require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: key, Value: []byte(key), ExpiresAt: expiry}))
		}
		entries, err := kv.List(ctx, "paywatch:snapshot:")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		keys := []string{entries[0].Key, entries[1].Key}
		require.ElementsMatch(t, []string{"paywatch:snapshot:a", "paywatch:snapshot:b"}, keys)
	})

	t.Run("delete expired", func(t *testing.T) {
		kv := factory(t)
		sweeper, ok := kv.(statusstore.ExpirySweeper)
		if !ok {
			t.Skip("backend does not sweep server-side")
		}
		// Expiries stay in the future so backends with native TTLs keep the rows around.
		now := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Millisecond)
		require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: "paywatch:snapshot:old", Value: []byte("o"), ExpiresAt: now.Add(-time.Minute)}))
		require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: "paywatch:snapshot:new", Value: []byte("n"), ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: "paywatch:snapshot:forever", Value: []byte("f")}))

		removed, err := sweeper.DeleteExpired(ctx, "paywatch:snapshot:", now)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		entries, err := kv.List(ctx, "paywatch:snapshot:")
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})
}

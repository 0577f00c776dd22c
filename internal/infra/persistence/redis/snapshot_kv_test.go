package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/internal/statusstore"
	"github.com/coachpo/paywatch/internal/statusstore/kvtest"
)

func setupTestRedis(t *testing.T, opts ...Option) (*SnapshotKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := NewSnapshotKV(client, opts...)
	t.Cleanup(func() { _ = kv.Close() })
	return kv, mr
}

func TestSnapshotKVContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) statusstore.KV {
		kv, _ := setupTestRedis(t)
		return kv
	})
}

func TestPutArmsRedisExpiryWithRetention(t *testing.T) {
	kv, mr := setupTestRedis(t, WithRetention(30*time.Minute))
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: "paywatch:snapshot:cs_1", Value: []byte("{}"), ExpiresAt: expires}))
	ttl := mr.TTL("paywatch:snapshot:cs_1")
	assert.Greater(t, ttl, 85*time.Minute)
	assert.LessOrEqual(t, ttl, 90*time.Minute)

	require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: "paywatch:snapshot:cs_1", Value: []byte("{}")}))
	assert.Equal(t, time.Duration(0), mr.TTL("paywatch:snapshot:cs_1"))
}

func TestEntriesVanishAfterRetention(t *testing.T) {
	kv, mr := setupTestRedis(t, WithRetention(time.Minute))
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, statusstore.Entry{Key: "paywatch:snapshot:cs_1", Value: []byte("{}"), ExpiresAt: time.Now().Add(time.Minute)}))

	mr.FastForward(3 * time.Minute)
	_, err := kv.Get(ctx, "paywatch:snapshot:cs_1")
	assert.ErrorIs(t, err, statusstore.ErrNotFound)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `paywatch:snapshot:`, escapeGlob("paywatch:snapshot:"))
	assert.Equal(t, `a\*b\?\[c\]`, escapeGlob("a*b?[c]"))
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestOpenConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	kv, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, kv.Close())
}

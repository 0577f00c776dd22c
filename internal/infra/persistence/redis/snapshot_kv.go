// Package redis implements the Redis snapshot backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/coachpo/paywatch/internal/statusstore"
)

const (
	fieldValue   = "v"
	fieldExpires = "exp"

	// DefaultRetention keeps entries in Redis this long past their advisory expiry so that
	// ListAll, not Redis, decides when a snapshot stops being recoverable.
	DefaultRetention = time.Hour

	scanBatch = 200
)

// SnapshotKV stores each snapshot as a hash holding the value and its advisory expiry.
type SnapshotKV struct {
	client    goredis.UniversalClient
	retention time.Duration
}

// Option customises a SnapshotKV.
type Option func(*SnapshotKV)

// WithRetention overrides how long entries outlive their advisory expiry.
func WithRetention(d time.Duration) Option {
	return func(kv *SnapshotKV) {
		if d >= 0 {
			kv.retention = d
		}
	}
}

// NewSnapshotKV wraps an existing client.
func NewSnapshotKV(client goredis.UniversalClient, opts ...Option) *SnapshotKV {
	kv := &SnapshotKV{client: client, retention: DefaultRetention}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

// Open parses a redis:// URL, connects and verifies the server answers.
func Open(ctx context.Context, url string, opts ...Option) (*SnapshotKV, error) {
	options, err := goredis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("redis snapshot kv: parse url: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis snapshot kv: ping: %w", err)
	}
	return NewSnapshotKV(client, opts...), nil
}

// Put writes the entry and arms Redis expiry at the advisory expiry plus retention.
func (s *SnapshotKV) Put(ctx context.Context, entry statusstore.Entry) error {
	if s.client == nil {
		return fmt.Errorf("redis snapshot kv: nil client")
	}
	if strings.TrimSpace(entry.Key) == "" {
		return fmt.Errorf("redis snapshot kv: key required")
	}
	var exp string
	if !entry.ExpiresAt.IsZero() {
		exp = strconv.FormatInt(entry.ExpiresAt.UnixMilli(), 10)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, entry.Key, fieldValue, entry.Value, fieldExpires, exp)
		if entry.ExpiresAt.IsZero() {
			pipe.Persist(ctx, entry.Key)
		} else {
			pipe.PExpireAt(ctx, entry.Key, entry.ExpiresAt.Add(s.retention))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", entry.Key, err)
	}
	return nil
}

// Get loads one entry.
func (s *SnapshotKV) Get(ctx context.Context, key string) (statusstore.Entry, error) {
	if s.client == nil {
		return statusstore.Entry{}, fmt.Errorf("redis snapshot kv: nil client")
	}
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return statusstore.Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	return toEntry(key, fields)
}

// Delete removes an entry.
func (s *SnapshotKV) Delete(ctx context.Context, key string) error {
	if s.client == nil {
		return fmt.Errorf("redis snapshot kv: nil client")
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// List scans keys under prefix and loads them in one pipeline per batch.
func (s *SnapshotKV) List(ctx context.Context, prefix string) ([]statusstore.Entry, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis snapshot kv: nil client")
	}
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]statusstore.Entry, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		batch := keys[start:end]
		cmds := make([]*goredis.MapStringStringCmd, len(batch))
		_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, key := range batch {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("redis list %s: %w", prefix, err)
		}
		for i, cmd := range cmds {
			entry, err := toEntry(batch[i], cmd.Val())
			if errors.Is(err, statusstore.ErrNotFound) {
				// expired between SCAN and HGETALL
				continue
			}
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// DeleteExpired removes entries whose advisory expiry elapsed at now.
func (s *SnapshotKV) DeleteExpired(ctx context.Context, prefix string, now time.Time) (int, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var expired []string
	for _, entry := range entries {
		if entry.Expired(now) {
			expired = append(expired, entry.Key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	removed, err := s.client.Del(ctx, expired...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis expire %s: %w", prefix, err)
	}
	return int(removed), nil
}

// Close closes the underlying client.
func (s *SnapshotKV) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *SnapshotKV) scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dedupe(keys), nil
}

func toEntry(key string, fields map[string]string) (statusstore.Entry, error) {
	value, ok := fields[fieldValue]
	if !ok {
		return statusstore.Entry{}, statusstore.ErrNotFound
	}
	entry := statusstore.Entry{Key: key, Value: []byte(value)}
	if raw := fields[fieldExpires]; raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return statusstore.Entry{}, fmt.Errorf("redis entry %s: invalid expiry %q: %w", key, raw, err)
		}
		entry.ExpiresAt = time.UnixMilli(millis).UTC()
	}
	return entry, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

var (
	_ statusstore.KV            = (*SnapshotKV)(nil)
	_ statusstore.ExpirySweeper = (*SnapshotKV)(nil)
)

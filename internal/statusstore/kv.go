// Package statusstore persists payment snapshots on a durable key-value backend with advisory TTLs.
package statusstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV implementations when a key is absent.
var ErrNotFound = errors.New("statusstore: key not found")

// Entry is one raw value held by a KV backend. Values are always written whole.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry's expiry has elapsed at now. A zero expiry never elapses.
func (e Entry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(e.ExpiresAt)
}

// KV is the durable key-value medium behind a Store.
type KV interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, key string) (Entry, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// ExpirySweeper is implemented by backends that can drop expired entries server-side.
type ExpirySweeper interface {
	DeleteExpired(ctx context.Context, prefix string, now time.Time) (int, error)
}

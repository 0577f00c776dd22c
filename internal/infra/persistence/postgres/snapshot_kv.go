package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/paywatch/internal/statusstore"
)

// SnapshotKV stores payment snapshots in the payment_snapshots table.
type SnapshotKV struct {
	pool *pgxpool.Pool
}

// NewSnapshotKV constructs a SnapshotKV backed by the provided pgx pool.
func NewSnapshotKV(pool *pgxpool.Pool) *SnapshotKV {
	return &SnapshotKV{pool: pool}
}

const (
	snapshotUpsertSQL = `
INSERT INTO payment_snapshots (key, value, expires_at, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW();
`
	snapshotGetSQL    = `SELECT key, value, expires_at FROM payment_snapshots WHERE key = $1;`
	snapshotDeleteSQL = `DELETE FROM payment_snapshots WHERE key = $1;`
	snapshotListSQL   = `
SELECT key, value, expires_at
FROM payment_snapshots
WHERE starts_with(key, $1)
ORDER BY key;
`
	snapshotExpireSQL = `
DELETE FROM payment_snapshots
WHERE starts_with(key, $1)
  AND expires_at IS NOT NULL
  AND expires_at <= $2;
`
)

// Put upserts an entry.
func (s *SnapshotKV) Put(ctx context.Context, entry statusstore.Entry) error {
	if s.pool == nil {
		return fmt.Errorf("snapshot kv: nil pool")
	}
	key := strings.TrimSpace(entry.Key)
	if key == "" {
		return fmt.Errorf("snapshot kv: key required")
	}
	if _, err := s.pool.Exec(ctx, snapshotUpsertSQL, key, entry.Value, toTimestamptz(entry.ExpiresAt)); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Get loads one entry.
func (s *SnapshotKV) Get(ctx context.Context, key string) (statusstore.Entry, error) {
	if s.pool == nil {
		return statusstore.Entry{}, fmt.Errorf("snapshot kv: nil pool")
	}
	entry, err := scanEntry(s.pool.QueryRow(ctx, snapshotGetSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return statusstore.Entry{}, statusstore.ErrNotFound
	}
	if err != nil {
		return statusstore.Entry{}, fmt.Errorf("get snapshot: %w", err)
	}
	return entry, nil
}

// Delete removes an entry.
func (s *SnapshotKV) Delete(ctx context.Context, key string) error {
	if s.pool == nil {
		return fmt.Errorf("snapshot kv: nil pool")
	}
	if _, err := s.pool.Exec(ctx, snapshotDeleteSQL, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns all entries whose key starts with prefix.
func (s *SnapshotKV) List(ctx context.Context, prefix string) ([]statusstore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("snapshot kv: nil pool")
	}
	rows, err := s.pool.Query(ctx, snapshotListSQL, prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var entries []statusstore.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return entries, nil
}

// DeleteExpired removes entries whose expiry elapsed at now.
func (s *SnapshotKV) DeleteExpired(ctx context.Context, prefix string, now time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("snapshot kv: nil pool")
	}
	tag, err := s.pool.Exec(ctx, snapshotExpireSQL, prefix, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEntry(row pgx.Row) (statusstore.Entry, error) {
	var (
		entry   statusstore.Entry
		value   []byte
		expires pgtype.Timestamptz
	)
	if err := row.Scan(&entry.Key, &value, &expires); err != nil {
		return statusstore.Entry{}, err
	}
	entry.Value = value
	if expires.Valid {
		entry.ExpiresAt = expires.Time.UTC()
	}
	return entry, nil
}

func toTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

var (
	_ statusstore.KV            = (*SnapshotKV)(nil)
	_ statusstore.ExpirySweeper = (*SnapshotKV)(nil)
)

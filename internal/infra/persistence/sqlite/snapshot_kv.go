// Package sqlite implements the embedded SQLite snapshot backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	dbmigrations "github.com/coachpo/paywatch/db/migrations"
	"github.com/coachpo/paywatch/internal/statusstore"
)

// SnapshotKV stores payment snapshots in a local SQLite database.
type SnapshotKV struct {
	db *sql.DB
}

const (
	snapshotUpsertSQL = `
INSERT INTO payment_snapshots (key, value, expires_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    value = excluded.value,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at;
`
	snapshotGetSQL    = `SELECT key, value, expires_at FROM payment_snapshots WHERE key = ?;`
	snapshotDeleteSQL = `DELETE FROM payment_snapshots WHERE key = ?;`
	snapshotListSQL   = `
SELECT key, value, expires_at
FROM payment_snapshots
WHERE substr(key, 1, length(?1)) = ?1
ORDER BY key;
`
	snapshotExpireSQL = `
DELETE FROM payment_snapshots
WHERE substr(key, 1, length(?1)) = ?1
  AND expires_at IS NOT NULL
  AND expires_at <= ?2;
`
)

// Open opens (creating when needed) the database at path and applies the bundled migrations.
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*SnapshotKV, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite snapshot kv: path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite snapshot kv: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite snapshot kv: open: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite snapshot kv: ping: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SnapshotKV{db: db}, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + filepath.ToSlash(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func migrateUp(db *sql.DB) error {
	var cfg migratesqlite.Config
	driver, err := migratesqlite.WithInstance(db, &cfg)
	if err != nil {
		return fmt.Errorf("sqlite snapshot kv: migrate driver: %w", err)
	}
	src, err := iofs.New(dbmigrations.Files, dbmigrations.SQLiteDir)
	if err != nil {
		return fmt.Errorf("sqlite snapshot kv: migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite snapshot kv: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite snapshot kv: apply migrations: %w", err)
	}
	return nil
}

// Put upserts an entry.
func (s *SnapshotKV) Put(ctx context.Context, entry statusstore.Entry) error {
	key := strings.TrimSpace(entry.Key)
	if key == "" {
		return fmt.Errorf("sqlite snapshot kv: key required")
	}
	if _, err := s.db.ExecContext(ctx, snapshotUpsertSQL, key, entry.Value, toMillis(entry.ExpiresAt), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Get loads one entry.
func (s *SnapshotKV) Get(ctx context.Context, key string) (statusstore.Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, snapshotGetSQL, key))
	if errors.Is(err, sql.ErrNoRows) {
		return statusstore.Entry{}, statusstore.ErrNotFound
	}
	if err != nil {
		return statusstore.Entry{}, fmt.Errorf("get snapshot: %w", err)
	}
	return entry, nil
}

// Delete removes an entry.
func (s *SnapshotKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, snapshotDeleteSQL, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns all entries whose key starts with prefix.
func (s *SnapshotKV) List(ctx context.Context, prefix string) ([]statusstore.Entry, error) {
	rows, err := s.db.QueryContext(ctx, snapshotListSQL, prefix)
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
	res, err := s.db.ExecContext(ctx, snapshotExpireSQL, prefix, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire snapshots: %w", err)
	}
	return int(n), nil
}

// Close closes the database handle.
func (s *SnapshotKV) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (statusstore.Entry, error) {
	var (
		entry   statusstore.Entry
		value   []byte
		expires sql.NullInt64
	)
	if err := row.Scan(&entry.Key, &value, &expires); err != nil {
		return statusstore.Entry{}, err
	}
	entry.Value = value
	if expires.Valid {
		entry.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	return entry, nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

var (
	_ statusstore.KV            = (*SnapshotKV)(nil)
	_ statusstore.ExpirySweeper = (*SnapshotKV)(nil)
)

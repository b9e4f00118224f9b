// Package store provides the embedded local database for medisync.
//
// The store is the single source of truth for the application: every read
// and every optimistic write goes through it, and it keeps working with no
// network at all. It holds three kinds of state:
//
//   - records: every domain entity, one generic table keyed by (tbl, id)
//   - sync_queue: durable pending change entries awaiting remote push
//   - sync_state / conflict_log: markers and conflict audit entries
//
// The database runs in embedded mode using go-sqlite3 with WAL, so many
// readers can proceed while the single logical writer commits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/openclinic/medisync/internal/schema"
)

// ErrNotFound is returned when a record or queue entry does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the embedded database connection.
type Store struct {
	conn     *sql.DB
	path     string
	watchers *watchHub
}

// Open creates or opens the local database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".medisync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:     conn,
		path:     path,
		watchers: newWatchHub(),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	s.watchers.closeAll()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		remote_version INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tbl, id)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		base_version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		UNIQUE (tbl, id)
	);

	CREATE TABLE IF NOT EXISTS dead_letter (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		base_version INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		parked_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflict_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		local_payload TEXT NOT NULL,
		remote_payload TEXT NOT NULL,
		winner TEXT NOT NULL,
		resolved_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_tbl ON records(tbl);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(tbl, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflict_log(tbl, id);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get retrieves a single record. Returns ErrNotFound if absent.
// Never touches the network.
func (s *Store) Get(ctx context.Context, table, id string) (*schema.Record, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT tbl, id, payload, created_at, updated_at, device_id, deleted, remote_version
	FROM records WHERE tbl = ? AND id = ?`, table, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put inserts or updates a record. The write is synchronously visible to
// subsequent reads and fires watch notifications for the affected table.
//
// Put is used by both local user writes and incoming remote-pull application,
// so reactivity is uniform regardless of change origin. It does NOT enqueue
// anything for sync; that is the engine's job.
func (s *Store) Put(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	query := `
	INSERT INTO records (tbl, id, payload, created_at, updated_at, device_id, deleted, remote_version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		device_id = excluded.device_id,
		deleted = excluded.deleted,
		remote_version = excluded.remote_version
	`
	_, err := s.conn.ExecContext(ctx, query,
		rec.Table,
		rec.ID,
		string(rec.Payload),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.DeviceID,
		boolToInt(rec.Deleted),
		rec.RemoteVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Table, rec.ID, err)
	}

	s.watchers.notify(Event{Table: rec.Table, ID: rec.ID})
	return nil
}

// SetRemoteVersion updates only the remote_version column after a push is
// acknowledged, without touching payload or timestamps.
func (s *Store) SetRemoteVersion(ctx context.Context, table, id string, version int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET remote_version = ? WHERE tbl = ? AND id = ?`,
		version, table, id)
	if err != nil {
		return fmt.Errorf("failed to set remote version for %s/%s: %w", table, id, err)
	}
	return nil
}

// List returns all records in a table, most recently updated first.
func (s *Store) List(ctx context.Context, table string) ([]*schema.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT tbl, id, payload, created_at, updated_at, device_id, deleted, remote_version
	FROM records WHERE tbl = ? ORDER BY updated_at DESC`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Query returns the records in a table matching the predicate. The snapshot
// is taken at call time; use Watch to re-evaluate when data changes.
func (s *Store) Query(ctx context.Context, table string, pred func(*schema.Record) bool) ([]*schema.Record, error) {
	all, err := s.List(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []*schema.Record
	for _, rec := range all {
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Count returns the number of records in a table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE tbl = ?`, table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*schema.Record, error) {
	var rec schema.Record
	var payload, createdAt, updatedAt string
	var deleted int

	err := row.Scan(
		&rec.Table,
		&rec.ID,
		&payload,
		&createdAt,
		&updatedAt,
		&rec.DeviceID,
		&deleted,
		&rec.RemoteVersion,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload = []byte(payload)
	rec.Deleted = deleted != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*schema.Record, error) {
	var recs []*schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

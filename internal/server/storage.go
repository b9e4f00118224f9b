// Package server implements the reference remote store: the shared,
// multi-tenant authority that every device of a hospital syncs against.
//
// The server assigns two markers per applied write: a per-record version,
// used for conflict detection against the client's base version, and a
// global server sequence, used as the "changes since" pull cursor.
package server

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

	"github.com/openclinic/medisync/internal/remote"
)

// Storage persists remote records in an embedded sqlite database.
type Storage struct {
	conn *sql.DB
	path string
}

// OpenStorage creates or opens the server database at path. Pass ":memory:"
// for an ephemeral store in tests.
func OpenStorage(path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create server database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping server database: %w", err)
	}

	// A single writer keeps version assignment serial.
	conn.SetMaxOpenConns(1)

	st := &Storage{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return st, nil
}

// Close closes the server database.
func (s *Storage) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close server database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the server schema if it doesn't exist. Idempotent.
func (s *Storage) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		hospital TEXT NOT NULL,
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		server_seq INTEGER NOT NULL,
		PRIMARY KEY (hospital, tbl, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_seq ON records(hospital, server_seq);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize server schema: %w", err)
	}
	return nil
}

// Upsert applies one record push for a hospital tenant.
//
// Semantics:
//   - New record: applied at version 1 regardless of the claimed base.
//   - Identical payload to the stored record: acknowledged as a duplicate
//     with the current version, so a retried push after an ambiguous timeout
//     is idempotent.
//   - Base version mismatch: not applied; the authoritative record is
//     returned for client-side conflict resolution.
//   - Otherwise: applied; version increments and a fresh global sequence is
//     assigned.
func (s *Storage) Upsert(ctx context.Context, hospital string, req *remote.PushRequest) (*remote.PushResult, *remote.VersionedRecord, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec := &req.Record

	var curPayload, curCreated, curUpdated, curDevice string
	var curDeleted int
	var curVersion, curSeq int64
	err = tx.QueryRowContext(ctx, `
	SELECT payload, created_at, updated_at, device_id, deleted, version, server_seq
	FROM records WHERE hospital = ? AND tbl = ? AND id = ?`,
		hospital, rec.Table, rec.ID).
		Scan(&curPayload, &curCreated, &curUpdated, &curDevice, &curDeleted, &curVersion, &curSeq)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq, err := nextSeq(ctx, tx, hospital)
		if err != nil {
			return nil, nil, err
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO records (hospital, tbl, id, payload, created_at, updated_at, device_id, deleted, version, server_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			hospital, rec.Table, rec.ID, string(rec.Payload),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
			req.DeviceID, boolToInt(rec.Deleted), seq)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert record %s/%s: %w", rec.Table, rec.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("failed to commit insert: %w", err)
		}
		return &remote.PushResult{Version: 1, ServerSeq: seq}, nil, nil

	case err != nil:
		return nil, nil, fmt.Errorf("failed to read record %s/%s: %w", rec.Table, rec.ID, err)
	}

	if curPayload == string(rec.Payload) && curDeleted == boolToInt(rec.Deleted) {
		// Retried push of an already-applied change.
		return &remote.PushResult{Version: curVersion, ServerSeq: curSeq, Duplicate: true}, nil, nil
	}

	if req.BaseVersion != curVersion {
		conflict, err := versionedRecord(rec.Table, rec.ID,
			curPayload, curCreated, curUpdated, curDevice, curDeleted, curVersion, curSeq)
		if err != nil {
			return nil, nil, err
		}
		return nil, conflict, nil
	}

	seq, err := nextSeq(ctx, tx, hospital)
	if err != nil {
		return nil, nil, err
	}
	newVersion := curVersion + 1
	_, err = tx.ExecContext(ctx, `
	UPDATE records SET payload = ?, updated_at = ?, device_id = ?, deleted = ?, version = ?, server_seq = ?
	WHERE hospital = ? AND tbl = ? AND id = ?`,
		string(rec.Payload),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		req.DeviceID, boolToInt(rec.Deleted), newVersion, seq,
		hospital, rec.Table, rec.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update record %s/%s: %w", rec.Table, rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return &remote.PushResult{Version: newVersion, ServerSeq: seq}, nil, nil
}

// Changes returns records for a hospital with server_seq > since, oldest
// first, at most limit of them.
func (s *Storage) Changes(ctx context.Context, hospital string, since int64, limit int) (*remote.ChangeBatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT tbl, id, payload, created_at, updated_at, device_id, deleted, version, server_seq
	FROM records WHERE hospital = ? AND server_seq > ?
	ORDER BY server_seq ASC LIMIT ?`, hospital, since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	batch := &remote.ChangeBatch{Next: since}
	for rows.Next() {
		var payload, createdAt, updatedAt, deviceID string
		var deleted int
		var tbl, id string
		var version, seq int64
		if err := rows.Scan(&tbl, &id, &payload, &createdAt, &updatedAt, &deviceID, &deleted, &version, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		vr, err := versionedRecord(tbl, id, payload, createdAt, updatedAt, deviceID, deleted, version, seq)
		if err != nil {
			return nil, err
		}
		batch.Records = append(batch.Records, *vr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	if len(batch.Records) > limit {
		batch.Records = batch.Records[:limit]
		batch.HasMore = true
	}
	if n := len(batch.Records); n > 0 {
		batch.Next = batch.Records[n-1].ServerSeq
	}
	return batch, nil
}

// Count returns the number of records stored for a hospital.
func (s *Storage) Count(ctx context.Context, hospital string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE hospital = ?`, hospital).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func versionedRecord(tbl, id, payload, createdAt, updatedAt, deviceID string, deleted int, version, seq int64) (*remote.VersionedRecord, error) {
	vr := &remote.VersionedRecord{Version: version, ServerSeq: seq}
	vr.Table = tbl
	vr.ID = id
	vr.Payload = []byte(payload)
	vr.DeviceID = deviceID
	vr.Deleted = deleted != 0
	var err error
	if vr.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s/%s: %w", tbl, id, err)
	}
	if vr.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s/%s: %w", tbl, id, err)
	}
	return vr, nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, hospital string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(server_seq) FROM records WHERE hospital = ?`, hospital).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq.Int64 + 1, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openclinic/medisync/internal/schema"
)

// Well-known sync_state keys.
const (
	StateLastPulledSeq = "last_pulled_seq"
	StateDeviceID      = "device_id"
)

// ChangeEntry is one durable pending change awaiting remote push.
//
// The queue holds at most one entry per (table, id): a later local write to
// the same record replaces the payload in place while keeping the original
// queue position, so intermediate states are coalesced away and per-record
// order is preserved.
type ChangeEntry struct {
	Seq         int64
	Table       string
	ID          string
	Payload     json.RawMessage
	BaseVersion int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	EnqueuedAt  time.Time
	Deleted     bool
	Attempts    int
}

// Record reconstructs the envelope carried by this entry. The result must
// pass the same validation as the original record: the remote store
// re-validates every push.
func (e *ChangeEntry) Record() *schema.Record {
	return &schema.Record{
		ID:        e.ID,
		Table:     e.Table,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Deleted:   e.Deleted,
	}
}

// Enqueue adds a change entry for the record, coalescing with any unsent
// entry for the same (table, id). The existing seq and base version are kept
// on coalesce: the queue position reflects the first unsent write, and the
// base version still names the server version the whole edit run started
// from.
func (s *Store) Enqueue(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to enqueue invalid record: %w", err)
	}

	query := `
	INSERT INTO sync_queue (tbl, id, payload, base_version, created_at, updated_at, enqueued_at, deleted, attempts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(tbl, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted = excluded.deleted,
		attempts = 0
	`
	_, err := s.conn.ExecContext(ctx, query,
		rec.Table,
		rec.ID,
		string(rec.Payload),
		rec.RemoteVersion,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		boolToInt(rec.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue change for %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

// NextPending returns the oldest queued entry, or ErrNotFound if the queue
// is empty.
func (s *Store) NextPending(ctx context.Context) (*ChangeEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT seq, tbl, id, payload, base_version, created_at, updated_at, enqueued_at, deleted, attempts
	FROM sync_queue ORDER BY seq ASC LIMIT 1`)

	entry, err := scanChangeEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync queue empty: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Pending returns the queued entry for a specific record, or ErrNotFound.
func (s *Store) Pending(ctx context.Context, table, id string) (*ChangeEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT seq, tbl, id, payload, base_version, created_at, updated_at, enqueued_at, deleted, attempts
	FROM sync_queue WHERE tbl = ? AND id = ?`, table, id)

	entry, err := scanChangeEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no pending change for %s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Ack removes an acknowledged entry from the queue. Only removes the entry
// if its payload has not been coalesced over since it was read: a newer
// local write must still be pushed.
func (s *Store) Ack(ctx context.Context, entry *ChangeEntry) error {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE seq = ? AND updated_at = ?`,
		entry.Seq, entry.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to ack queue entry %d: %w", entry.Seq, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Coalesced while in flight; the newer payload stays queued.
		return nil
	}
	return nil
}

// BumpAttempts increments the retry counter on a queued entry.
func (s *Store) BumpAttempts(ctx context.Context, seq int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1 WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to bump attempts on entry %d: %w", seq, err)
	}
	return nil
}

// ReplaceBase rebases a queued entry onto a newer server version after a
// conflict was resolved in the local edit's favor.
func (s *Store) ReplaceBase(ctx context.Context, seq, version int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sync_queue SET base_version = ? WHERE seq = ?`, version, seq)
	if err != nil {
		return fmt.Errorf("failed to rebase entry %d: %w", seq, err)
	}
	return nil
}

// Park moves a queue entry into the dead-letter table so one unacceptable
// change cannot block every record queued behind it. The payload stays
// recoverable for inspection and manual repair.
func (s *Store) Park(ctx context.Context, entry *ChangeEntry, reason string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin park transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO dead_letter (tbl, id, payload, base_version, reason, parked_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Table, entry.ID, string(entry.Payload), entry.BaseVersion,
		reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to park entry %d: %w", entry.Seq, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, entry.Seq); err != nil {
		return fmt.Errorf("failed to remove parked entry %d: %w", entry.Seq, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit park: %w", err)
	}
	return nil
}

// DeadLetterEntry is one parked change, removed from the queue after
// repeated permanent rejections.
type DeadLetterEntry struct {
	Seq         int64
	Table       string
	ID          string
	Payload     json.RawMessage
	BaseVersion int64
	Reason      string
	ParkedAt    time.Time
}

// DeadLetters returns the most recently parked changes, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
	SELECT seq, tbl, id, payload, base_version, reason, parked_at
	FROM dead_letter ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		var payload, parkedAt string
		if err := rows.Scan(&e.Seq, &e.Table, &e.ID, &payload, &e.BaseVersion, &e.Reason, &parkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		e.Payload = []byte(payload)
		if t, err := time.Parse(time.RFC3339Nano, parkedAt); err == nil {
			e.ParkedAt = t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return entries, nil
}

// PendingCount returns the number of queued change entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

// Marker returns the value stored under key in sync_state, or fallback if
// the key has never been set.
func (s *Store) Marker(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read marker %s: %w", key, err)
	}
	return value, nil
}

// SetMarker stores a value under key in sync_state.
func (s *Store) SetMarker(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set marker %s: %w", key, err)
	}
	return nil
}

// ConflictEntry is one resolved conflict, kept for audit so that no edit is
// ever lost without a trace.
type ConflictEntry struct {
	Seq           int64
	Table         string
	ID            string
	LocalPayload  json.RawMessage
	RemotePayload json.RawMessage
	Winner        string
	ResolvedAt    time.Time
}

// LogConflict records a resolved conflict.
func (s *Store) LogConflict(ctx context.Context, table, id string, local, remote json.RawMessage, winner string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO conflict_log (tbl, id, local_payload, remote_payload, winner, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		table, id, string(local), string(remote), winner,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to log conflict for %s/%s: %w", table, id, err)
	}
	return nil
}

// Conflicts returns the most recent resolved conflicts, newest first.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]*ConflictEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
	SELECT seq, tbl, id, local_payload, remote_payload, winner, resolved_at
	FROM conflict_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict log: %w", err)
	}
	defer rows.Close()

	var entries []*ConflictEntry
	for rows.Next() {
		var e ConflictEntry
		var local, remote, resolvedAt string
		if err := rows.Scan(&e.Seq, &e.Table, &e.ID, &local, &remote, &e.Winner, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict entry: %w", err)
		}
		e.LocalPayload = []byte(local)
		e.RemotePayload = []byte(remote)
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt); err == nil {
			e.ResolvedAt = t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict log: %w", err)
	}
	return entries, nil
}

func scanChangeEntry(row rowScanner) (*ChangeEntry, error) {
	var e ChangeEntry
	var payload, createdAt, updatedAt, enqueuedAt string
	var deleted int

	err := row.Scan(&e.Seq, &e.Table, &e.ID, &payload, &e.BaseVersion, &createdAt, &updatedAt, &enqueuedAt, &deleted, &e.Attempts)
	if err != nil {
		return nil, err
	}

	e.Payload = []byte(payload)
	e.Deleted = deleted != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
		e.EnqueuedAt = t
	}
	return &e, nil
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/openclinic/medisync/internal/schema"
)

func TestEnqueueAndNextPending(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	rec.RemoteVersion = 2
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	entry, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if entry.Table != rec.Table || entry.ID != rec.ID {
		t.Errorf("wrong entry: %s/%s", entry.Table, entry.ID)
	}
	if entry.BaseVersion != 2 {
		t.Errorf("expected base version 2, got %d", entry.BaseVersion)
	}
	if string(entry.Payload) != string(rec.Payload) {
		t.Errorf("payload mismatch: %s", entry.Payload)
	}
}

// The rebuilt envelope must pass the same validation the remote store runs
// on every push, and must carry the tombstone flag.
func TestQueueEntryRebuildsFullEnvelope(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	rec.Deleted = true
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	entry, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	rebuilt := entry.Record()
	if err := rebuilt.Validate(); err != nil {
		t.Fatalf("rebuilt envelope failed validation: %v", err)
	}
	if !rebuilt.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at not preserved: %v vs %v", rebuilt.CreatedAt, rec.CreatedAt)
	}
	if !rebuilt.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("updated_at not preserved: %v vs %v", rebuilt.UpdatedAt, rec.UpdatedAt)
	}
	if !rebuilt.Deleted {
		t.Error("tombstone flag lost through the queue")
	}
}

func TestNextPendingEmpty(t *testing.T) {
	st := setupTestStore(t)

	if _, err := st.NextPending(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, schema.TablePatients)
	rec.Table = "unknown"
	if err := st.Enqueue(context.Background(), rec); err == nil {
		t.Fatal("expected validation error")
	}
	n, _ := st.PendingCount(context.Background())
	if n != 0 {
		t.Errorf("invalid record must not be enqueued, %d pending", n)
	}
}

// Coalescing: repeated writes to one record collapse to a single entry
// holding the latest payload at the original queue position.
func TestEnqueueCoalesces(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	first := testRecord(t, schema.TablePatients)
	first.RemoteVersion = 1
	if err := st.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A record for a different table lands between the two writes.
	other := testRecord(t, schema.TableBills)
	if err := st.Enqueue(ctx, other); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	second := first.Clone()
	if err := second.SetPayload(map[string]string{"note": "final"}); err != nil {
		t.Fatalf("SetPayload failed: %v", err)
	}
	second.RemoteVersion = 5 // must NOT replace the original base
	if err := st.Enqueue(ctx, second); err != nil {
		t.Fatalf("coalescing Enqueue failed: %v", err)
	}

	n, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries after coalesce, got %d", n)
	}

	entry, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if entry.ID != first.ID {
		t.Errorf("coalesced entry lost its queue position, head is %s", entry.ID)
	}
	if string(entry.Payload) != `{"note":"final"}` {
		t.Errorf("expected latest payload, got %s", entry.Payload)
	}
	if entry.BaseVersion != 1 {
		t.Errorf("coalesce must keep original base version, got %d", entry.BaseVersion)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	entry, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if err := st.Ack(ctx, entry); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	if _, err := st.NextPending(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty queue after ack, got %v", err)
	}
}

// A coalesce that lands while the entry is in flight must survive the ack of
// the older payload.
func TestAckSkipsCoalescedEntry(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	inFlight, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}

	newer := rec.Clone()
	if err := newer.SetPayload(map[string]string{"note": "newer"}); err != nil {
		t.Fatalf("SetPayload failed: %v", err)
	}
	if err := st.Enqueue(ctx, newer); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := st.Ack(ctx, inFlight); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	entry, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("newer payload was lost by ack: %v", err)
	}
	if string(entry.Payload) != `{"note":"newer"}` {
		t.Errorf("expected newer payload still queued, got %s", entry.Payload)
	}
}

func TestBumpAttemptsAndCoalesceResets(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	entry, _ := st.NextPending(ctx)
	if err := st.BumpAttempts(ctx, entry.Seq); err != nil {
		t.Fatalf("BumpAttempts failed: %v", err)
	}
	entry, _ = st.NextPending(ctx)
	if entry.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", entry.Attempts)
	}

	// A fresh local write resets the retry counter.
	newer := rec.Clone()
	newer.Touch()
	if err := st.Enqueue(ctx, newer); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	entry, _ = st.NextPending(ctx)
	if entry.Attempts != 0 {
		t.Errorf("coalesce should reset attempts, got %d", entry.Attempts)
	}
}

func TestReplaceBase(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	entry, _ := st.NextPending(ctx)
	if err := st.ReplaceBase(ctx, entry.Seq, 9); err != nil {
		t.Fatalf("ReplaceBase failed: %v", err)
	}
	entry, _ = st.NextPending(ctx)
	if entry.BaseVersion != 9 {
		t.Errorf("expected base version 9, got %d", entry.BaseVersion)
	}
}

func TestPendingByRecord(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, schema.TablePatients)
	if err := st.Enqueue(ctx, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := st.Pending(ctx, rec.Table, rec.ID); err != nil {
		t.Errorf("Pending failed for queued record: %v", err)
	}
	if _, err := st.Pending(ctx, rec.Table, "11111111-1111-4111-8111-111111111111"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unqueued record, got %v", err)
	}
}

func TestParkRemovesEntryFromQueue(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	bad := testRecord(t, schema.TablePatients)
	good := testRecord(t, schema.TableBills)
	for _, rec := range []*schema.Record{bad, good} {
		if err := st.Enqueue(ctx, rec); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	head, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if err := st.Park(ctx, head, "server returned 400"); err != nil {
		t.Fatalf("Park failed: %v", err)
	}

	next, err := st.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending failed after park: %v", err)
	}
	if next.ID != good.ID {
		t.Errorf("parked entry still heads the queue: %s", next.ID)
	}

	parked, err := st.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("expected 1 parked entry, got %d", len(parked))
	}
	if parked[0].ID != bad.ID || parked[0].Reason != "server returned 400" {
		t.Errorf("parked entry not preserved: %+v", parked[0])
	}
	if string(parked[0].Payload) != string(bad.Payload) {
		t.Error("parked payload must stay recoverable")
	}
}

func TestMarkers(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	val, err := st.Marker(ctx, StateLastPulledSeq, "0")
	if err != nil {
		t.Fatalf("Marker failed: %v", err)
	}
	if val != "0" {
		t.Errorf("expected fallback value, got %q", val)
	}

	if err := st.SetMarker(ctx, StateLastPulledSeq, "42"); err != nil {
		t.Fatalf("SetMarker failed: %v", err)
	}
	if err := st.SetMarker(ctx, StateLastPulledSeq, "43"); err != nil {
		t.Fatalf("SetMarker overwrite failed: %v", err)
	}

	val, err = st.Marker(ctx, StateLastPulledSeq, "0")
	if err != nil {
		t.Fatalf("Marker failed: %v", err)
	}
	if val != "43" {
		t.Errorf("expected 43, got %q", val)
	}
}

func TestConflictLog(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.LogConflict(ctx, schema.TablePatients, "11111111-1111-4111-8111-111111111111",
		[]byte(`{"phone":"111"}`), []byte(`{"phone":"222"}`), "remote")
	if err != nil {
		t.Fatalf("LogConflict failed: %v", err)
	}

	entries, err := st.Conflicts(ctx, 10)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 conflict entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Winner != "remote" {
		t.Errorf("expected winner remote, got %q", e.Winner)
	}
	if string(e.LocalPayload) != `{"phone":"111"}` || string(e.RemotePayload) != `{"phone":"222"}` {
		t.Errorf("payloads not preserved: %s / %s", e.LocalPayload, e.RemotePayload)
	}
	if e.ResolvedAt.IsZero() {
		t.Error("resolved_at not set")
	}
}

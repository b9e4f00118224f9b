// Package schema provides the record envelope and clinical payload types
// synchronized between the local store and the remote store.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Table names for every synchronized collection.
const (
	TablePatients       = "patients"
	TableEncounters     = "encounters"
	TableInvestigations = "investigations"
	TableWounds         = "wounds"
	TableBills          = "bills"
	TableHospitals      = "hospitals"
	TableUsers          = "users"
)

// Tables lists every known table name in a stable order.
var Tables = []string{
	TablePatients,
	TableEncounters,
	TableInvestigations,
	TableWounds,
	TableBills,
	TableHospitals,
	TableUsers,
}

var knownTables = func() map[string]bool {
	m := make(map[string]bool, len(Tables))
	for _, t := range Tables {
		m[t] = true
	}
	return m
}()

// KnownTable reports whether name is a registered table.
func KnownTable(name string) bool {
	return knownTables[name]
}

var validate = validator.New()

// Record is the envelope stored for every domain entity, regardless of table.
//
// The ID is a client-generated UUID assigned on whichever device creates the
// record, and it never changes afterward. Two offline devices can therefore
// create records independently without collision.
//
// Payload holds the table-specific fields as raw JSON; the envelope carries
// everything the sync machinery needs without understanding the payload.
type Record struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeviceID  string          `json:"device_id,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`

	// RemoteVersion is the last server-assigned version this device has seen
	// for the record. Zero means the record has never been acknowledged by
	// the remote store.
	RemoteVersion int64 `json:"remote_version,omitempty"`
}

// NewRecord creates a record envelope for the given table, marshaling the
// payload and stamping a fresh UUID and timestamps.
func NewRecord(table string, payload any) (*Record, error) {
	if !KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now().UTC()
	return &Record{
		ID:        uuid.NewString(),
		Table:     table,
		Payload:   data,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Validate checks that the envelope is well-formed enough to sync.
// A record that fails here must never be enqueued: a silently dropped change
// entry means undetectable data loss on every other device.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("id must be a UUID: %w", err)
	}
	if r.Table == "" {
		return fmt.Errorf("table is required")
	}
	if !KnownTable(r.Table) {
		return fmt.Errorf("unknown table %q", r.Table)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Touch sets UpdatedAt to the current time. Call it whenever payload fields
// change; the timestamp drives last-writer-wins conflict resolution.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UTC()
}

// DecodePayload unmarshals the payload into dst.
func (r *Record) DecodePayload(dst any) error {
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload %s: %w", r.Table, r.ID, err)
	}
	return nil
}

// SetPayload replaces the payload and refreshes UpdatedAt.
func (r *Record) SetPayload(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	r.Payload = data
	r.Touch()
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = make(json.RawMessage, len(r.Payload))
		copy(c.Payload, r.Payload)
	}
	return &c
}

package schema

import (
	"strings"
	"testing"
	"time"
)

func TestNewRecord(t *testing.T) {
	rec, err := NewRecord(TablePatients, map[string]string{"given_name": "Ada"})
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected generated ID")
	}
	if rec.Table != TablePatients {
		t.Errorf("expected table %s, got %s", TablePatients, rec.Table)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("new record should validate: %v", err)
	}
}

func TestNewRecordUnknownTable(t *testing.T) {
	if _, err := NewRecord("prescriptions", nil); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestNewRecordDistinctIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec, err := NewRecord(TableWounds, nil)
		if err != nil {
			t.Fatalf("NewRecord failed: %v", err)
		}
		if seen[rec.ID] {
			t.Fatalf("duplicate ID generated: %s", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestRecordValidate(t *testing.T) {
	valid := func() *Record {
		rec, _ := NewRecord(TablePatients, nil)
		return rec
	}

	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr string
	}{
		{"valid", func(r *Record) {}, ""},
		{"missing id", func(r *Record) { r.ID = "" }, "id is required"},
		{"non-uuid id", func(r *Record) { r.ID = "patient-1" }, "must be a UUID"},
		{"missing table", func(r *Record) { r.Table = "" }, "table is required"},
		{"unknown table", func(r *Record) { r.Table = "nope" }, "unknown table"},
		{"zero created_at", func(r *Record) { r.CreatedAt = time.Time{} }, "created_at is required"},
		{"zero updated_at", func(r *Record) { r.UpdatedAt = time.Time{} }, "updated_at is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid()
			tt.mutate(rec)
			err := rec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTouchAdvancesUpdatedAt(t *testing.T) {
	rec, _ := NewRecord(TableEncounters, nil)
	before := rec.UpdatedAt
	time.Sleep(2 * time.Millisecond)
	rec.Touch()
	if !rec.UpdatedAt.After(before) {
		t.Errorf("Touch did not advance updated_at: %v -> %v", before, rec.UpdatedAt)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	rec, err := NewRecord(TablePatients, Patient{
		GivenName: "Ada", FamilyName: "Okafor", Phone: "0801111111",
	})
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}

	var p Patient
	if err := rec.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.GivenName != "Ada" || p.Phone != "0801111111" {
		t.Errorf("payload did not round-trip: %+v", p)
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec, _ := NewRecord(TablePatients, map[string]string{"phone": "0801111111"})
	clone := rec.Clone()
	clone.Payload[2] = 'x'
	if string(rec.Payload) == string(clone.Payload) {
		t.Error("Clone shares payload bytes with original")
	}
}

func TestValidatePayload(t *testing.T) {
	p := Patient{GivenName: "Ada"}
	if err := ValidatePayload(p); err == nil {
		t.Error("expected validation error for missing required fields")
	}

	u := User{Name: "Dr. Bello", Role: "surgeon"}
	if err := ValidatePayload(u); err == nil {
		t.Error("expected validation error for unknown role")
	}
}

func TestKnownTable(t *testing.T) {
	for _, table := range Tables {
		if !KnownTable(table) {
			t.Errorf("registered table %q not recognized", table)
		}
	}
	if KnownTable("") || KnownTable("unknown") {
		t.Error("unknown tables should not be recognized")
	}
}

package schema

import (
	"fmt"
	"time"
)

// Patient is the demographic record for one person under care.
type Patient struct {
	HospitalID string `json:"hospital_id" validate:"required,uuid4"`
	GivenName  string `json:"given_name" validate:"required"`
	FamilyName string `json:"family_name" validate:"required"`
	Sex        string `json:"sex,omitempty" validate:"omitempty,oneof=male female other unknown"`
	BirthDate  string `json:"birth_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
	FolderNo   string `json:"folder_no,omitempty"`
	BloodGroup string `json:"blood_group,omitempty"`
	Allergies  string `json:"allergies,omitempty"`
}

// Encounter is one clinical visit or admission for a patient.
type Encounter struct {
	PatientID   string     `json:"patient_id" validate:"required,uuid4"`
	HospitalID  string     `json:"hospital_id" validate:"required,uuid4"`
	Kind        string     `json:"kind" validate:"required,oneof=outpatient inpatient emergency review"`
	Complaint   string     `json:"complaint,omitempty"`
	Findings    string     `json:"findings,omitempty"`
	Diagnosis   string     `json:"diagnosis,omitempty"`
	Plan        string     `json:"plan,omitempty"`
	ClinicianID string     `json:"clinician_id,omitempty" validate:"omitempty,uuid4"`
	StartedAt   time.Time  `json:"started_at" validate:"required"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Investigation is a lab or imaging request and its result.
type Investigation struct {
	PatientID   string     `json:"patient_id" validate:"required,uuid4"`
	EncounterID string     `json:"encounter_id,omitempty" validate:"omitempty,uuid4"`
	Name        string     `json:"name" validate:"required"`
	Status      string     `json:"status" validate:"required,oneof=requested collected resulted cancelled"`
	Result      string     `json:"result,omitempty"`
	ResultedAt  *time.Time `json:"resulted_at,omitempty"`
}

// Wound describes one tracked wound and its latest assessment.
type Wound struct {
	PatientID string `json:"patient_id" validate:"required,uuid4"`
	Site      string `json:"site" validate:"required"`
	Stage     string `json:"stage,omitempty"`
	LengthMM  int    `json:"length_mm,omitempty" validate:"omitempty,min=0"`
	WidthMM   int    `json:"width_mm,omitempty" validate:"omitempty,min=0"`
	DepthMM   int    `json:"depth_mm,omitempty" validate:"omitempty,min=0"`
	Notes     string `json:"notes,omitempty"`
	Healed    bool   `json:"healed,omitempty"`
}

// Bill is a billable line item tied to an encounter.
// Bills default to the keep-remote conflict policy: a concurrent edit is
// rejected and surfaced rather than overwritten.
type Bill struct {
	PatientID   string `json:"patient_id" validate:"required,uuid4"`
	EncounterID string `json:"encounter_id,omitempty" validate:"omitempty,uuid4"`
	Description string `json:"description" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"min=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Status      string `json:"status" validate:"required,oneof=draft issued paid void"`
}

// Hospital is one tenant facility.
type Hospital struct {
	Name    string `json:"name" validate:"required"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// User is a clinical or administrative user account.
type User struct {
	HospitalID string `json:"hospital_id" validate:"required,uuid4"`
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Role       string `json:"role" validate:"required,oneof=doctor nurse records billing admin"`
}

// ValidatePayload runs struct validation on a typed payload.
func ValidatePayload(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Wrap validates a typed payload and wraps it in a fresh record envelope for
// the given table.
func Wrap(table string, payload any) (*Record, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	return NewRecord(table, payload)
}

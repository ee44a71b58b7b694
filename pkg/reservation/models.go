package reservation

import (
	"time"

	"gorm.io/datatypes"
)

type registry struct {
	ID   int64  `gorm:"primaryKey;column:id"`
	Name string `gorm:"column:name;uniqueIndex;not null"`
}

func (registry) TableName() string {
	return "registries"
}

// patient columns ending in _enc hold codec tokens, never plaintext.
type patient struct {
	ID              int64     `gorm:"primaryKey;column:id"`
	PatientKey      string    `gorm:"column:patient_key;uniqueIndex;not null"`
	RegistryID      int64     `gorm:"column:registry_id;index"`
	DateAdded       time.Time `gorm:"column:date_added"`
	NameEnc         string    `gorm:"column:name_enc"`
	BirthDateEnc    string    `gorm:"column:birth_date_enc"`
	OISPatientIDEnc string    `gorm:"column:ois_patient_id_enc"`
	EPJPatientIDEnc string    `gorm:"column:epj_patient_id_enc"`
}

func (patient) TableName() string {
	return "patients"
}

type patientIdentifier struct {
	ID             int64     `gorm:"primaryKey;column:id"`
	PatientID      int64     `gorm:"column:patient_id;index"`
	DateAdded      time.Time `gorm:"column:date_added"`
	NationalIDEnc  string    `gorm:"column:national_id_enc"`
	IdentifierType string    `gorm:"column:identifier_type;size:1"`
}

func (patientIdentifier) TableName() string {
	return "patient_identifiers"
}

// reservationEvent rows are append-only.
type reservationEvent struct {
	ID            int64     `gorm:"primaryKey;column:id"`
	PatientID     int64     `gorm:"column:patient_id;index"`
	SyncRunID     int64     `gorm:"column:sync_run_id;index"`
	EventTime     time.Time `gorm:"column:event_time"`
	IsReservedEnc string    `gorm:"column:is_reserved_enc"`
}

func (reservationEvent) TableName() string {
	return "reservation_events"
}

type syncRun struct {
	ID                    int64             `gorm:"primaryKey;column:id"`
	StartedAt             time.Time         `gorm:"column:started_at"`
	CompletedAt           *time.Time        `gorm:"column:completed_at"`
	NewReservations       int               `gorm:"column:new_reservations"`
	WithdrawnReservations int               `gorm:"column:withdrawn_reservations"`
	ErrorMessage          *string           `gorm:"column:error_message"`
	Details               datatypes.JSONMap `gorm:"column:details"`
}

func (syncRun) TableName() string {
	return "sync_runs"
}

// Identifier types.
const (
	IdentifierBirthNumber = "F"
	IdentifierDNumber     = "D"
	IdentifierHelpNumber  = "H"
)

// LatestState is the most recent reservation flag of one patient.
// Undecryptable marks a patient whose latest flag could not be read; such a
// patient is neither withdrawn nor admitted.
type LatestState struct {
	PatientKey    string
	IsReserved    bool
	Undecryptable bool
	EventTime     time.Time
}

// Patient is the plaintext-free view used by propagation.
type Patient struct {
	PatientKey   string
	RegistryName string
	DateAdded    time.Time
}

// NewPatient carries plaintext fields that are encrypted before storage.
type NewPatient struct {
	NationalID     string
	IdentifierType string
	Name           string
	BirthDate      string
	OISPatientID   string
	EPJPatientID   string
	Registry       string
	DateAdded      time.Time
}

// SyncRunCompletion is the single update applied to a sync run.
type SyncRunCompletion struct {
	CompletedAt           time.Time
	NewReservations       int
	WithdrawnReservations int
	ErrorMessage          string
	Details               map[string]interface{}
}

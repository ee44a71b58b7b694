package models

import (
	"time"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // reservation.new, reservation.withdrawn, sync.completed, patient.intake
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventReservationNew       = "reservation.new"
	EventReservationWithdrawn = "reservation.withdrawn"
	EventSyncCompleted        = "sync.completed"
	EventPatientIntake        = "patient.intake"
)

// Sync ledger
type SyncRun struct {
	ID                    int64                  `json:"id"`
	StartedAt             time.Time              `json:"started_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	NewReservations       int                    `json:"new_reservations"`
	WithdrawnReservations int                    `json:"withdrawn_reservations"`
	ErrorMessage          string                 `json:"error_message,omitempty"`
	Details               map[string]interface{} `json:"details,omitempty"`
}

// ReservationEvent is the decrypted view of one ledger entry.
type ReservationEvent struct {
	ID         int64     `json:"id"`
	PatientKey string    `json:"patient_key"`
	SyncRunID  int64     `json:"sync_run_id"`
	EventTime  time.Time `json:"event_time"`
	IsReserved bool      `json:"is_reserved"`
}

type SyncRunDetail struct {
	SyncRun SyncRun            `json:"sync_run"`
	Events  []ReservationEvent `json:"events"`
}

type CycleStatus struct {
	State         string     `json:"state"`
	LastRunID     int64      `json:"last_run_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunFailed bool       `json:"last_run_failed"`
	CacheSize     int        `json:"cache_size"`
}

// Patient intake
type IntakeRequest struct {
	NationalID     string `json:"national_id"`
	IdentifierType string `json:"identifier_type,omitempty"` // F, D, H
	Name           string `json:"name,omitempty"`
	Registry       string `json:"registry"`
	OISPatientID   string `json:"ois_patient_id,omitempty"`
	EPJPatientID   string `json:"epj_patient_id,omitempty"`
}

type IntakeResponse struct {
	PatientKey string `json:"patient_key"`
	Created    bool   `json:"created"`
}

// Package intake registers new patients in the encrypted store from plain
// intake messages.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/identity"
	"github.com/synaptica-ai/reservation-sync/pkg/reservation"
)

var ErrConflictingPatients = errors.New("identifier is linked to more than one patient")

type PatientStore interface {
	CreatePatient(ctx context.Context, in reservation.NewPatient) (string, error)
}

// Index is the identity cache as seen by intake.
type Index interface {
	FindByIdentifier(nationalID string) []identity.IdentifierRecord
	FindPatientKeyByIdentifier(nationalID string) (string, bool)
	Add(nationalID string, record identity.IdentifierRecord)
}

type Service struct {
	store PatientStore
	index Index
	now   func() time.Time

	// serialises the lookup-then-create sequence
	mu sync.Mutex
}

func NewService(store PatientStore, index Index) *Service {
	return &Service{store: store, index: index, now: time.Now}
}

// AddPatient creates a patient unless the identifier is already known, in
// which case the existing patient key is returned.
func (s *Service) AddPatient(ctx context.Context, req models.IntakeRequest) (models.IntakeResponse, error) {
	req, err := normalize(req)
	if err != nil {
		return models.IntakeResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.index.FindByIdentifier(req.NationalID); len(existing) > 0 {
		key, ok := s.index.FindPatientKeyByIdentifier(req.NationalID)
		if !ok {
			return models.IntakeResponse{}, ErrConflictingPatients
		}
		logger.Log.WithField("patient_key", key).Info("Patient already registered")
		return models.IntakeResponse{PatientKey: key, Created: false}, nil
	}

	birthDate, ok := BirthDate(req.NationalID, req.IdentifierType)
	if !ok {
		logger.Log.WithField("identifier_type", req.IdentifierType).
			Warn("Identifier does not encode a birth date; storing patient without one")
	}

	added := s.now().UTC()
	key, err := s.store.CreatePatient(ctx, reservation.NewPatient{
		NationalID:     req.NationalID,
		IdentifierType: req.IdentifierType,
		Name:           req.Name,
		BirthDate:      birthDate,
		OISPatientID:   req.OISPatientID,
		EPJPatientID:   req.EPJPatientID,
		Registry:       req.Registry,
		DateAdded:      added,
	})
	if err != nil {
		return models.IntakeResponse{}, fmt.Errorf("create patient: %w", err)
	}
	s.index.Add(req.NationalID, identity.IdentifierRecord{
		PatientKey:     key,
		IdentifierType: req.IdentifierType,
		DateAdded:      added,
	})

	logger.Log.WithFields(logrus.Fields{
		"patient_key": key,
		"registry":    req.Registry,
	}).Info("Patient registered")
	return models.IntakeResponse{PatientKey: key, Created: true}, nil
}

// HandleEvent consumes patient.intake events. Invalid payloads are logged and
// acknowledged; store failures are returned so the message is redelivered.
func (s *Service) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventPatientIntake {
		return nil
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Error("Unreadable intake payload")
		return nil
	}
	var req models.IntakeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Error("Unreadable intake payload")
		return nil
	}

	_, err = s.AddPatient(ctx, req)
	if IsValidationError(err) || errors.Is(err, ErrConflictingPatients) {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Rejected intake event")
		return nil
	}
	return err
}

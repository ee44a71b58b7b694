package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/identity"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrRunAlreadyClosed = errors.New("sync run already completed")
)

// Cipher is the field codec used for every *_enc column.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
	EncryptBool(value bool) (string, error)
	DecryptBool(token string) (bool, error)
}

type Repository struct {
	db    *gorm.DB
	codec Cipher
}

func NewRepository(db *gorm.DB, codec Cipher) *Repository {
	return &Repository{db: db, codec: codec}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&registry{}, &patient{}, &patientIdentifier{}, &reservationEvent{}, &syncRun{})
}

// CreatePatient stores a patient and its first identifier in one transaction
// and returns the generated patient key.
func (r *Repository) CreatePatient(ctx context.Context, in NewPatient) (string, error) {
	if in.NationalID == "" {
		return "", errors.New("national id is required")
	}
	if in.Registry == "" {
		return "", errors.New("registry is required")
	}
	idType := in.IdentifierType
	if idType == "" {
		idType = IdentifierBirthNumber
	}
	added := in.DateAdded
	if added.IsZero() {
		added = time.Now()
	}
	added = added.UTC()

	fields := map[string]string{}
	for name, value := range map[string]string{
		"name":           in.Name,
		"birth_date":     in.BirthDate,
		"ois_patient_id": in.OISPatientID,
		"epj_patient_id": in.EPJPatientID,
		"national_id":    in.NationalID,
	} {
		if value == "" && name != "national_id" {
			continue
		}
		token, err := r.codec.Encrypt(value)
		if err != nil {
			return "", fmt.Errorf("encrypt %s: %w", name, err)
		}
		fields[name] = token
	}

	key := uuid.New().String()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reg := registry{Name: in.Registry}
		if err := tx.Where("name = ?", in.Registry).FirstOrCreate(&reg).Error; err != nil {
			return fmt.Errorf("ensure registry: %w", err)
		}
		p := patient{
			PatientKey:      key,
			RegistryID:      reg.ID,
			DateAdded:       added,
			NameEnc:         fields["name"],
			BirthDateEnc:    fields["birth_date"],
			OISPatientIDEnc: fields["ois_patient_id"],
			EPJPatientIDEnc: fields["epj_patient_id"],
		}
		if err := tx.Create(&p).Error; err != nil {
			return fmt.Errorf("create patient: %w", err)
		}
		ident := patientIdentifier{
			PatientID:      p.ID,
			DateAdded:      added,
			NationalIDEnc:  fields["national_id"],
			IdentifierType: idType,
		}
		if err := tx.Create(&ident).Error; err != nil {
			return fmt.Errorf("create identifier: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// ListIdentifiers returns every identifier row with its patient key; national
// ids stay encrypted.
func (r *Repository) ListIdentifiers(ctx context.Context) ([]identity.EncryptedIdentifier, error) {
	keys, err := r.patientKeys(ctx)
	if err != nil {
		return nil, err
	}
	var rows []patientIdentifier
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	out := make([]identity.EncryptedIdentifier, 0, len(rows))
	for _, row := range rows {
		key, ok := keys[row.PatientID]
		if !ok {
			continue
		}
		out = append(out, identity.EncryptedIdentifier{
			ID:                  row.ID,
			PatientKey:          key,
			IdentifierType:      row.IdentifierType,
			EncryptedNationalID: row.NationalIDEnc,
			DateAdded:           row.DateAdded,
		})
	}
	return out, nil
}

// GetLatestReservationPerPatient folds the event log into the latest flag per
// patient. Ties on event_time go to the highest id. Patients without events
// are omitted. A patient whose latest flag cannot be decrypted is returned
// with Undecryptable set and IsReserved false.
func (r *Repository) GetLatestReservationPerPatient(ctx context.Context) ([]LatestState, error) {
	keys, err := r.patientKeys(ctx)
	if err != nil {
		return nil, err
	}
	var events []reservationEvent
	err = r.db.WithContext(ctx).
		Order("patient_id").Order("event_time").Order("id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list reservation events: %w", err)
	}

	latest := make(map[int64]reservationEvent, len(keys))
	for _, ev := range events {
		if cur, ok := latest[ev.PatientID]; !ok || supersedes(ev, cur) {
			latest[ev.PatientID] = ev
		}
	}

	out := make([]LatestState, 0, len(latest))
	for patientID, ev := range latest {
		key, ok := keys[patientID]
		if !ok {
			continue
		}
		reserved, err := r.codec.DecryptBool(ev.IsReservedEnc)
		if err != nil {
			logger.Log.WithError(err).WithField("patient_key", key).
				Error("Latest reservation flag could not be decrypted; patient is held back from admission")
			out = append(out, LatestState{PatientKey: key, EventTime: ev.EventTime, Undecryptable: true})
			continue
		}
		out = append(out, LatestState{PatientKey: key, IsReserved: reserved, EventTime: ev.EventTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientKey < out[j].PatientKey })
	return out, nil
}

func supersedes(ev, cur reservationEvent) bool {
	return ev.EventTime.After(cur.EventTime) || (ev.EventTime.Equal(cur.EventTime) && ev.ID > cur.ID)
}

// AppendCurrentReservationEvent appends an event that becomes the patient's
// latest state. An event time at or before the patient's latest event is
// moved one second past it. The stored time is returned.
func (r *Repository) AppendCurrentReservationEvent(ctx context.Context, patientKey string, isReserved bool, eventTime time.Time, syncRunID int64) (time.Time, error) {
	p, err := r.findPatient(ctx, patientKey)
	if err != nil {
		return time.Time{}, err
	}
	flag, err := r.codec.EncryptBool(isReserved)
	if err != nil {
		return time.Time{}, fmt.Errorf("encrypt reservation flag: %w", err)
	}
	stored := eventTime.UTC()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var history []reservationEvent
		if err := tx.Where("patient_id = ?", p.ID).Find(&history).Error; err != nil {
			return fmt.Errorf("load reservation history: %w", err)
		}
		if len(history) > 0 {
			last := history[0]
			for _, ev := range history[1:] {
				if supersedes(ev, last) {
					last = ev
				}
			}
			if !stored.After(last.EventTime) {
				stored = last.EventTime.UTC().Add(time.Second)
			}
		}
		ev := reservationEvent{
			PatientID:     p.ID,
			SyncRunID:     syncRunID,
			EventTime:     stored,
			IsReservedEnc: flag,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("append reservation event: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return stored, nil
}

// AppendReservationEvent appends an event at exactly eventTime.
func (r *Repository) AppendReservationEvent(ctx context.Context, patientKey string, isReserved bool, eventTime time.Time, syncRunID int64) error {
	p, err := r.findPatient(ctx, patientKey)
	if err != nil {
		return err
	}
	flag, err := r.codec.EncryptBool(isReserved)
	if err != nil {
		return fmt.Errorf("encrypt reservation flag: %w", err)
	}
	ev := reservationEvent{
		PatientID:     p.ID,
		SyncRunID:     syncRunID,
		EventTime:     eventTime.UTC(),
		IsReservedEnc: flag,
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("append reservation event: %w", err)
	}
	return nil
}

func (r *Repository) CreateSyncRun(ctx context.Context, startedAt time.Time) (int64, error) {
	run := syncRun{StartedAt: startedAt.UTC()}
	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, fmt.Errorf("create sync run: %w", err)
	}
	return run.ID, nil
}

// CompleteSyncRun applies the one completion update; a run that is already
// completed is left untouched.
func (r *Repository) CompleteSyncRun(ctx context.Context, id int64, c SyncRunCompletion) error {
	updates := map[string]interface{}{
		"completed_at":           c.CompletedAt.UTC(),
		"new_reservations":       c.NewReservations,
		"withdrawn_reservations": c.WithdrawnReservations,
	}
	if c.ErrorMessage != "" {
		updates["error_message"] = c.ErrorMessage
	}
	if c.Details != nil {
		updates["details"] = datatypes.JSONMap(c.Details)
	}
	result := r.db.WithContext(ctx).Model(&syncRun{}).
		Where("id = ? AND completed_at IS NULL", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("complete sync run %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&syncRun{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("complete sync run %d: %w", id, err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrRunAlreadyClosed
	}
	return nil
}

// GetPatientsAddedBefore returns patients with date_added <= cutoff.
func (r *Repository) GetPatientsAddedBefore(ctx context.Context, cutoff time.Time) ([]Patient, error) {
	var rows []patient
	err := r.db.WithContext(ctx).
		Where("date_added <= ?", cutoff.UTC()).
		Order("patient_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list patients added before cutoff: %w", err)
	}
	names, err := r.registryNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Patient, 0, len(rows))
	for _, p := range rows {
		out = append(out, Patient{PatientKey: p.PatientKey, RegistryName: names[p.RegistryID], DateAdded: p.DateAdded})
	}
	return out, nil
}

func (r *Repository) GetRegistryName(ctx context.Context, patientKey string) (string, error) {
	p, err := r.findPatient(ctx, patientKey)
	if err != nil {
		return "", err
	}
	var reg registry
	result := r.db.WithContext(ctx).Where("id = ?", p.RegistryID).First(&reg)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if result.Error != nil {
		return "", fmt.Errorf("load registry: %w", result.Error)
	}
	return reg.Name, nil
}

func (r *Repository) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []syncRun
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	out := make([]models.SyncRun, 0, len(runs))
	for _, run := range runs {
		out = append(out, toSyncRunModel(run))
	}
	return out, nil
}

func (r *Repository) GetSyncRun(ctx context.Context, id int64) (models.SyncRun, error) {
	var run syncRun
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&run)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.SyncRun{}, ErrNotFound
	}
	if result.Error != nil {
		return models.SyncRun{}, fmt.Errorf("load sync run: %w", result.Error)
	}
	return toSyncRunModel(run), nil
}

func (r *Repository) ListEventsForRun(ctx context.Context, syncRunID int64) ([]models.ReservationEvent, error) {
	var events []reservationEvent
	err := r.db.WithContext(ctx).
		Where("sync_run_id = ?", syncRunID).
		Order("id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list events for run: %w", err)
	}
	keys, err := r.patientKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ReservationEvent, 0, len(events))
	for _, ev := range events {
		reserved, err := r.codec.DecryptBool(ev.IsReservedEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt event %d: %w", ev.ID, err)
		}
		out = append(out, models.ReservationEvent{
			ID:         ev.ID,
			PatientKey: keys[ev.PatientID],
			SyncRunID:  ev.SyncRunID,
			EventTime:  ev.EventTime,
			IsReserved: reserved,
		})
	}
	return out, nil
}

func (r *Repository) findPatient(ctx context.Context, patientKey string) (patient, error) {
	var p patient
	result := r.db.WithContext(ctx).Where("patient_key = ?", patientKey).First(&p)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return patient{}, ErrNotFound
	}
	if result.Error != nil {
		return patient{}, fmt.Errorf("load patient: %w", result.Error)
	}
	return p, nil
}

func (r *Repository) patientKeys(ctx context.Context) (map[int64]string, error) {
	var rows []patient
	if err := r.db.WithContext(ctx).Select("id", "patient_key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	keys := make(map[int64]string, len(rows))
	for _, p := range rows {
		keys[p.ID] = p.PatientKey
	}
	return keys, nil
}

func (r *Repository) registryNames(ctx context.Context) (map[int64]string, error) {
	var rows []registry
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list registries: %w", err)
	}
	names := make(map[int64]string, len(rows))
	for _, reg := range rows {
		names[reg.ID] = reg.Name
	}
	return names, nil
}

func toSyncRunModel(run syncRun) models.SyncRun {
	out := models.SyncRun{
		ID:                    run.ID,
		StartedAt:             run.StartedAt,
		CompletedAt:           run.CompletedAt,
		NewReservations:       run.NewReservations,
		WithdrawnReservations: run.WithdrawnReservations,
		Details:               map[string]interface{}(run.Details),
	}
	if run.ErrorMessage != nil {
		out.ErrorMessage = *run.ErrorMessage
	}
	return out
}

package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePatientStoresOnlyCiphertext(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	added := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	key, err := repo.CreatePatient(ctx, NewPatient{
		NationalID:   "01017012345",
		Name:         "Kari Nordmann",
		BirthDate:    "1970-01-01",
		OISPatientID: "ois-1",
		Registry:     "KREST-OUS",
		DateAdded:    added,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	var stored patient
	require.NoError(t, db.Where("patient_key = ?", key).First(&stored).Error)
	assert.NotContains(t, stored.NameEnc, "Kari")
	assert.Empty(t, stored.EPJPatientIDEnc)

	var ident patientIdentifier
	require.NoError(t, db.Where("patient_id = ?", stored.ID).First(&ident).Error)
	assert.NotContains(t, ident.NationalIDEnc, "01017012345")
	assert.Equal(t, IdentifierBirthNumber, ident.IdentifierType)

	rows, err := repo.ListIdentifiers(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, key, rows[0].PatientKey)
	plain, err := newTestCodec(t).Decrypt(rows[0].EncryptedNationalID)
	require.NoError(t, err)
	assert.Equal(t, "01017012345", plain)

	name, err := repo.GetRegistryName(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "KREST-OUS", name)

	_, err = repo.GetRegistryName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePatientReusesRegistry(t *testing.T) {
	repo, db := newTestRepository(t)
	addPatient(t, repo, "01017012345", "NORPREG", time.Time{})
	addPatient(t, repo, "02027012345", "NORPREG", time.Time{})

	var count int64
	require.NoError(t, db.Model(&registry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestLatestReservationFoldsEventLog(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	a := addPatient(t, repo, "01017012345", "NORPREG", t1)
	b := addPatient(t, repo, "02027012345", "NORPREG", t1)
	addPatient(t, repo, "03037012345", "NORPREG", t1)
	d := addPatient(t, repo, "04047012345", "NORPREG", t1)

	run, err := repo.CreateSyncRun(ctx, t1)
	require.NoError(t, err)

	// a: reserved then withdrawn, appended out of order
	require.NoError(t, repo.AppendReservationEvent(ctx, a, false, t2, run))
	require.NoError(t, repo.AppendReservationEvent(ctx, a, true, t1, run))
	// b: same timestamp, the later row wins
	require.NoError(t, repo.AppendReservationEvent(ctx, b, false, t1, run))
	require.NoError(t, repo.AppendReservationEvent(ctx, b, true, t1, run))
	// d: undecryptable latest flag
	var pd patient
	require.NoError(t, db.Where("patient_key = ?", d).First(&pd).Error)
	require.NoError(t, db.Create(&reservationEvent{PatientID: pd.ID, SyncRunID: run, EventTime: t2, IsReservedEnc: "garbage"}).Error)

	states, err := repo.GetLatestReservationPerPatient(ctx)
	require.NoError(t, err)

	got := map[string]bool{}
	undecryptable := map[string]bool{}
	for _, s := range states {
		got[s.PatientKey] = s.IsReserved
		undecryptable[s.PatientKey] = s.Undecryptable
	}
	assert.Equal(t, map[string]bool{a: false, b: true, d: false}, got)
	assert.Equal(t, map[string]bool{a: false, b: false, d: true}, undecryptable)
}

func TestAppendCurrentReservationEventBecomesLatest(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	a := addPatient(t, repo, "01017012345", "NORPREG", t1)
	b := addPatient(t, repo, "02027012345", "NORPREG", t1)

	run, err := repo.CreateSyncRun(ctx, t1)
	require.NoError(t, err)
	require.NoError(t, repo.AppendReservationEvent(ctx, a, false, t2, run))

	stored, err := repo.AppendCurrentReservationEvent(ctx, a, true, t1, run)
	require.NoError(t, err)
	assert.True(t, stored.Equal(t2.Add(time.Second)))

	stored, err = repo.AppendCurrentReservationEvent(ctx, a, false, time.Time{}, run)
	require.NoError(t, err)
	assert.True(t, stored.Equal(t2.Add(2*time.Second)))

	stored, err = repo.AppendCurrentReservationEvent(ctx, b, true, t1, run)
	require.NoError(t, err)
	assert.True(t, stored.Equal(t1))

	states, err := repo.GetLatestReservationPerPatient(ctx)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, s := range states {
		got[s.PatientKey] = s.IsReserved
	}
	assert.Equal(t, map[string]bool{a: false, b: true}, got)

	_, err = repo.AppendCurrentReservationEvent(ctx, "missing", true, t1, run)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteSyncRunAppliesOnce(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC)

	id, err := repo.CreateSyncRun(ctx, started)
	require.NoError(t, err)

	run, err := repo.GetSyncRun(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, run.CompletedAt)
	assert.Zero(t, run.NewReservations)

	err = repo.CompleteSyncRun(ctx, id, SyncRunCompletion{
		CompletedAt:           started.Add(time.Minute),
		NewReservations:       3,
		WithdrawnReservations: 1,
		ErrorMessage:          "boom",
		Details:               map[string]interface{}{"pages": 2},
	})
	require.NoError(t, err)

	err = repo.CompleteSyncRun(ctx, id, SyncRunCompletion{CompletedAt: started.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, ErrRunAlreadyClosed)
	assert.ErrorIs(t, repo.CompleteSyncRun(ctx, 9999, SyncRunCompletion{CompletedAt: started}), ErrNotFound)

	run, err = repo.GetSyncRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 3, run.NewReservations)
	assert.Equal(t, 1, run.WithdrawnReservations)
	assert.Equal(t, "boom", run.ErrorMessage)
	assert.EqualValues(t, 2, run.Details["pages"])

	_, err = repo.GetSyncRun(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPatientsAddedBeforeIncludesBoundary(t *testing.T) {
	repo, _ := newTestRepository(t)
	cutoff := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	onCutoff := addPatient(t, repo, "01017012345", "KREST-HUS", cutoff)
	older := addPatient(t, repo, "02027012345", "NORPREG", cutoff.Add(-72*time.Hour))
	addPatient(t, repo, "03037012345", "NORPREG", cutoff.Add(24*time.Hour))

	patients, err := repo.GetPatientsAddedBefore(context.Background(), cutoff)
	require.NoError(t, err)

	byKey := map[string]string{}
	for _, p := range patients {
		byKey[p.PatientKey] = p.RegistryName
	}
	assert.Equal(t, map[string]string{onCutoff: "KREST-HUS", older: "NORPREG"}, byKey)
}

func TestListSyncRunsAndEvents(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	key := addPatient(t, repo, "01017012345", "NORPREG", now)

	first, err := repo.CreateSyncRun(ctx, now)
	require.NoError(t, err)
	second, err := repo.CreateSyncRun(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.AppendReservationEvent(ctx, key, true, now, second))

	runs, err := repo.ListSyncRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)

	events, err := repo.ListEventsForRun(ctx, second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, key, events[0].PatientKey)
	assert.True(t, events[0].IsReserved)

	events, err = repo.ListEventsForRun(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, repo.AppendReservationEvent(ctx, "missing", true, now, first), ErrNotFound)
}

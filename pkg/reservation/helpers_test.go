package reservation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reservation-sync/pkg/consent"
	"github.com/synaptica-ai/reservation-sync/pkg/encryption"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testKey = "0123456789abcdef"

func newTestCodec(t *testing.T) *encryption.Codec {
	t.Helper()
	codec, err := encryption.NewCodec(testKey)
	require.NoError(t, err)
	return codec
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestRepository(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	repo := NewRepository(db, newTestCodec(t))
	require.NoError(t, repo.AutoMigrate())
	return repo, db
}

func addPatient(t *testing.T, repo *Repository, nationalID, registryName string, added time.Time) string {
	t.Helper()
	key, err := repo.CreatePatient(context.Background(), NewPatient{
		NationalID: nationalID,
		Name:       "Test Patient",
		Registry:   registryName,
		DateAdded:  added,
	})
	require.NoError(t, err)
	return key
}

// corruptLatestFlag overwrites every stored flag of the patient with a value
// the codec cannot decrypt.
func corruptLatestFlag(t *testing.T, db *gorm.DB, patientKey string) {
	t.Helper()
	var p patient
	require.NoError(t, db.Where("patient_key = ?", patientKey).First(&p).Error)
	require.NoError(t, db.Model(&reservationEvent{}).
		Where("patient_id = ?", p.ID).
		Update("is_reserved_enc", "garbage").Error)
}

type mapResolver map[string]string

func (m mapResolver) FindPatientKeyByIdentifier(id string) (string, bool) {
	key, ok := m[id]
	return key, ok
}

type fakeConsent struct {
	pages    [][]consent.ActiveReservation
	err      error
	panicMsg string
	block    chan struct{}
	calls    int
}

func (f *fakeConsent) FetchActiveReservations(_ context.Context, _, _ string, handle func([]consent.ActiveReservation) error) error {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	for _, page := range f.pages {
		if err := handle(page); err != nil {
			return err
		}
	}
	return f.err
}

type fakeDownstream struct {
	mu         sync.Mutex
	present    map[string]string
	admitted   []string
	removed    []string
	listErr    error
	listCalls  int
	failAdmit  map[string]error
	failRemove map[string]error
	panicOn    string
	onRemove   func()
}

func newFakeDownstream(keys ...string) *fakeDownstream {
	present := map[string]string{}
	for _, k := range keys {
		present[k] = "seed"
	}
	return &fakeDownstream{present: present, failAdmit: map[string]error{}, failRemove: map[string]error{}}
}

func (f *fakeDownstream) ListKnownPatientKeys(context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]struct{}, len(f.present))
	for k := range f.present {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeDownstream) Admit(_ context.Context, key, source string) error {
	if key == f.panicOn {
		panic("downstream exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAdmit[key]; err != nil {
		return err
	}
	f.present[key] = source
	f.admitted = append(f.admitted, key)
	return nil
}

func (f *fakeDownstream) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRemove[key]; err != nil {
		return err
	}
	delete(f.present, key)
	f.removed = append(f.removed, key)
	if f.onRemove != nil {
		f.onRemove()
	}
	return nil
}

func (f *fakeDownstream) sortedAdmitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.admitted...)
	sort.Strings(out)
	return out
}

type publishedEvent struct {
	Type string
	Data map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, _ string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Data: data})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

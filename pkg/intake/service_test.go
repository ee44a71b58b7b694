package intake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/encryption"
	"github.com/synaptica-ai/reservation-sync/pkg/identity"
	"github.com/synaptica-ai/reservation-sync/pkg/reservation"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreatePatient(ctx context.Context, in reservation.NewPatient) (string, error) {
	args := m.Called(ctx, in)
	return args.String(0), args.Error(1)
}

func newIndex(t *testing.T) *identity.Cache {
	t.Helper()
	codec, err := encryption.NewCodec("0123456789abcdef")
	require.NoError(t, err)
	return identity.NewCache(codec, 1)
}

func TestAddPatientCreatesOnceAndReusesKey(t *testing.T) {
	store := &mockStore{}
	store.On("CreatePatient", mock.Anything, mock.MatchedBy(func(in reservation.NewPatient) bool {
		return in.NationalID == "41017012345" &&
			in.IdentifierType == reservation.IdentifierDNumber &&
			in.BirthDate == "1970-01-01" &&
			in.Registry == "KREST-OUS"
	})).Return("pk-1", nil).Once()

	svc := NewService(store, newIndex(t))
	req := models.IntakeRequest{NationalID: "41017012345", Name: "Ola", Registry: "KREST-OUS"}

	resp, err := svc.AddPatient(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.IntakeResponse{PatientKey: "pk-1", Created: true}, resp)

	resp, err = svc.AddPatient(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.IntakeResponse{PatientKey: "pk-1", Created: false}, resp)

	store.AssertExpectations(t)
}

func TestAddPatientValidation(t *testing.T) {
	svc := NewService(&mockStore{}, newIndex(t))

	cases := map[string]models.IntakeRequest{
		"short id":     {NationalID: "123", Registry: "NORPREG"},
		"letters":      {NationalID: "0101701234X", Registry: "NORPREG"},
		"no registry":  {NationalID: "01017012345"},
		"unknown type": {NationalID: "01017012345", Registry: "NORPREG", IdentifierType: "X"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.AddPatient(context.Background(), req)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.NotContains(t, err.Error(), "01017012345")
		})
	}
}

func TestHandleEvent(t *testing.T) {
	store := &mockStore{}
	store.On("CreatePatient", mock.Anything, mock.Anything).Return("", errors.New("db down")).Once()
	store.On("CreatePatient", mock.Anything, mock.Anything).Return("pk-2", nil).Once()
	svc := NewService(store, newIndex(t))
	ctx := context.Background()

	event := models.Event{
		ID:   "evt-1",
		Type: models.EventPatientIntake,
		Data: map[string]interface{}{"national_id": "01017012345", "registry": "NORPREG"},
	}

	assert.Error(t, svc.HandleEvent(ctx, event))
	assert.NoError(t, svc.HandleEvent(ctx, event))

	invalid := models.Event{ID: "evt-2", Type: models.EventPatientIntake, Data: map[string]interface{}{"national_id": "1"}}
	assert.NoError(t, svc.HandleEvent(ctx, invalid))

	other := models.Event{ID: "evt-3", Type: models.EventSyncCompleted}
	assert.NoError(t, svc.HandleEvent(ctx, other))

	store.AssertNumberOfCalls(t, "CreatePatient", 2)
}

func TestBirthDate(t *testing.T) {
	cases := []struct {
		id, idType, want string
		ok               bool
	}{
		{"01017012345", reservation.IdentifierBirthNumber, "1970-01-01", true},
		{"41017012345", reservation.IdentifierDNumber, "1970-01-01", true},
		{"01417012345", reservation.IdentifierHelpNumber, "1970-01-01", true},
		{"15060550012", reservation.IdentifierBirthNumber, "2005-06-15", true},
		{"15069950012", reservation.IdentifierBirthNumber, "1899-06-15", true},
		{"15064595012", reservation.IdentifierBirthNumber, "1945-06-15", true},
		{"31027012345", reservation.IdentifierBirthNumber, "", false},
		{"15064580012", reservation.IdentifierBirthNumber, "", false},
	}
	for _, c := range cases {
		got, ok := BirthDate(c.id, c.idType)
		assert.Equal(t, c.ok, ok, c.id)
		assert.Equal(t, c.want, got, c.id)
	}
}

func TestInferIdentifierType(t *testing.T) {
	assert.Equal(t, reservation.IdentifierBirthNumber, InferIdentifierType("01017012345"))
	assert.Equal(t, reservation.IdentifierDNumber, InferIdentifierType("41017012345"))
	assert.Equal(t, reservation.IdentifierHelpNumber, InferIdentifierType("01417012345"))
}

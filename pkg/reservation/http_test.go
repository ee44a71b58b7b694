package reservation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
)

type stubHistory struct {
	runs      []models.SyncRun
	lastLimit int
}

func (s *stubHistory) ListSyncRuns(_ context.Context, limit int) ([]models.SyncRun, error) {
	s.lastLimit = limit
	return s.runs, nil
}

func (s *stubHistory) GetSyncRun(_ context.Context, id int64) (models.SyncRun, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.SyncRun{}, ErrNotFound
}

func (s *stubHistory) ListEventsForRun(_ context.Context, id int64) ([]models.ReservationEvent, error) {
	return []models.ReservationEvent{{ID: 1, PatientKey: "pk-1", SyncRunID: id, IsReserved: true}}, nil
}

type stubController struct {
	busy bool
}

func (s *stubController) TriggerAsync() error {
	if s.busy {
		return ErrCycleInProgress
	}
	s.busy = true
	return nil
}

func (s *stubController) Status() models.CycleStatus {
	return models.CycleStatus{State: string(StateIdle), LastRunID: 7, CacheSize: 3}
}

func newTestRouter(history *stubHistory, ctrl *stubController) *mux.Router {
	router := mux.NewRouter()
	NewHTTPHandler(history, ctrl).Register(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestSyncRunEndpoints(t *testing.T) {
	started := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	history := &stubHistory{runs: []models.SyncRun{{ID: 7, StartedAt: started, NewReservations: 2}}}
	router := newTestRouter(history, &stubController{})

	rec := serve(router, http.MethodGet, "/api/v1/sync-runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.lastLimit)
	var list struct {
		SyncRuns []models.SyncRun `json:"sync_runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.SyncRuns, 1)

	serve(router, http.MethodGet, "/api/v1/sync-runs?limit=nope")
	assert.Equal(t, 50, history.lastLimit)

	rec = serve(router, http.MethodGet, "/api/v1/sync-runs/7")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail models.SyncRunDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, int64(7), detail.SyncRun.ID)
	assert.Len(t, detail.Events, 1)

	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/api/v1/sync-runs/8").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/api/v1/sync-runs/abc").Code)
}

func TestTriggerAndStatusEndpoints(t *testing.T) {
	router := newTestRouter(&stubHistory{}, &stubController{})

	assert.Equal(t, http.StatusAccepted, serve(router, http.MethodPost, "/api/v1/sync-runs").Code)
	assert.Equal(t, http.StatusConflict, serve(router, http.MethodPost, "/api/v1/sync-runs").Code)

	rec := serve(router, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.CycleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, int64(7), status.LastRunID)
}

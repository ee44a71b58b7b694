package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
)

// RunHistory is the read side of the sync ledger.
type RunHistory interface {
	ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	GetSyncRun(ctx context.Context, id int64) (models.SyncRun, error)
	ListEventsForRun(ctx context.Context, syncRunID int64) ([]models.ReservationEvent, error)
}

type CycleController interface {
	TriggerAsync() error
	Status() models.CycleStatus
}

type HTTPHandler struct {
	runs   RunHistory
	cycles CycleController
}

func NewHTTPHandler(runs RunHistory, cycles CycleController) *HTTPHandler {
	return &HTTPHandler{runs: runs, cycles: cycles}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/sync-runs", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/sync-runs", h.handleTrigger).Methods(http.MethodPost)
	router.HandleFunc("/sync-runs/{id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListSyncRuns(r.Context(), parseLimit(r, 50))
	if err != nil {
		logger.Log.WithError(err).Error("failed to list sync runs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sync_runs": runs})
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid sync run id", http.StatusBadRequest)
		return
	}

	run, err := h.runs.GetSyncRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "sync run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch sync run")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	events, err := h.runs.ListEventsForRun(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to fetch sync run events")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.SyncRunDetail{SyncRun: run, Events: events})
}

func (h *HTTPHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.cycles.TriggerAsync(); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cycles.Status())
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
)

// Ledger is the persistence the recorder writes through.
type Ledger interface {
	CreateSyncRun(ctx context.Context, startedAt time.Time) (int64, error)
	AppendCurrentReservationEvent(ctx context.Context, patientKey string, isReserved bool, eventTime time.Time, syncRunID int64) (time.Time, error)
	CompleteSyncRun(ctx context.Context, id int64, c SyncRunCompletion) error
}

// Scrubber removes identifiers from text before it is persisted.
type Scrubber interface {
	Scrub(text string) string
	ScrubMap(data map[string]interface{}) map[string]interface{}
}

type Recorder struct {
	ledger   Ledger
	scrubber Scrubber
	interval time.Duration
	now      func() time.Time
}

func NewRecorder(ledger Ledger, scrubber Scrubber, syncInterval time.Duration) *Recorder {
	return &Recorder{
		ledger:   ledger,
		scrubber: scrubber,
		interval: syncInterval,
		now:      time.Now,
	}
}

func (r *Recorder) BeginRun(ctx context.Context) (int64, error) {
	id, err := r.ledger.CreateSyncRun(ctx, r.now())
	if err != nil {
		return 0, err
	}
	logger.Log.WithField("sync_run_id", id).Info("Sync run started")
	return id, nil
}

// RecordEvent appends the event as the patient's new latest state. A zero
// eventTime is replaced by the approximated time for this run.
func (r *Recorder) RecordEvent(ctx context.Context, patientKey string, isReserved bool, eventTime time.Time, syncRunID int64) error {
	if eventTime.IsZero() {
		eventTime = r.WithdrawalTime(r.now())
	}
	stored, err := r.ledger.AppendCurrentReservationEvent(ctx, patientKey, isReserved, eventTime, syncRunID)
	if err != nil {
		return fmt.Errorf("record reservation event: %w", err)
	}
	if !stored.Equal(eventTime.UTC()) {
		logger.Log.WithFields(logrus.Fields{
			"sync_run_id": syncRunID,
			"event_time":  stored.Format(time.RFC3339),
		}).Debug("Reservation event time moved past the previous event")
	}
	return nil
}

// CompleteRun closes the run. runErr is scrubbed before it is stored.
func (r *Recorder) CompleteRun(ctx context.Context, syncRunID int64, newCount, withdrawnCount int, runErr error, details map[string]interface{}) error {
	completion := SyncRunCompletion{
		CompletedAt:           r.now(),
		NewReservations:       newCount,
		WithdrawnReservations: withdrawnCount,
	}
	if details != nil {
		completion.Details = r.scrubber.ScrubMap(details)
	}
	if runErr != nil {
		completion.ErrorMessage = r.scrubber.Scrub(runErr.Error())
	}
	if err := r.ledger.CompleteSyncRun(ctx, syncRunID, completion); err != nil {
		return err
	}

	entry := logger.Log.WithFields(logrus.Fields{
		"sync_run_id": syncRunID,
		"new":         newCount,
		"withdrawn":   withdrawnCount,
	})
	if runErr != nil {
		entry.WithField("error", completion.ErrorMessage).Error("Sync run failed")
	} else {
		entry.Info("Sync run completed")
	}
	return nil
}

// WithdrawalTime approximates when a withdrawal happened: the feed only lists
// active reservations, so the midpoint of the last interval is used.
func (r *Recorder) WithdrawalTime(now time.Time) time.Time {
	return now.Add(-r.interval / 2)
}

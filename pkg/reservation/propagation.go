package reservation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/kafka"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
	"github.com/synaptica-ai/reservation-sync/pkg/observability/metrics"
)

const eventSource = "reservation-sync"

// Downstream is the per-study registry that mirrors non-reserved patients.
type Downstream interface {
	ListKnownPatientKeys(ctx context.Context) (map[string]struct{}, error)
	Admit(ctx context.Context, patientKey, sourceRegistry string) error
	Remove(ctx context.Context, patientKey string) error
}

// PatientDirectory is the read side propagation needs from the repository.
type PatientDirectory interface {
	GetRegistryName(ctx context.Context, patientKey string) (string, error)
	GetPatientsAddedBefore(ctx context.Context, cutoff time.Time) ([]Patient, error)
	GetLatestReservationPerPatient(ctx context.Context) ([]LatestState, error)
}

// Outcome is the per-patient result of a propagation step. Recorded is set
// once the reservation event for the patient has been appended.
type Outcome struct {
	PatientKey string
	Recorded   bool
	Err        error
}

func recorded(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Recorded {
			n++
		}
	}
	return n
}

func failures(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

type Propagator struct {
	patients   PatientDirectory
	downstream Downstream
	recorder   *Recorder
	events     kafka.Publisher
	metrics    *metrics.Metrics
	quarantine time.Duration
	now        func() time.Time
}

func NewPropagator(patients PatientDirectory, downstream Downstream, recorder *Recorder, events kafka.Publisher, m *metrics.Metrics, quarantine time.Duration) *Propagator {
	if events == nil {
		events = kafka.NoopPublisher{}
	}
	return &Propagator{
		patients:   patients,
		downstream: downstream,
		recorder:   recorder,
		events:     events,
		metrics:    m,
		quarantine: quarantine,
		now:        time.Now,
	}
}

// HandleNewReservations records each reservation and removes the patient from
// the downstream registry when present.
func (p *Propagator) HandleNewReservations(ctx context.Context, reservations []NewReservation, syncRunID int64) []Outcome {
	if len(reservations) == 0 {
		return nil
	}
	known, listErr := p.downstream.ListKnownPatientKeys(ctx)
	eventTimes := make(map[string]time.Time, len(reservations))
	keys := make([]string, 0, len(reservations))
	for _, r := range reservations {
		at := r.EventTime
		if at.IsZero() {
			at = p.recorder.WithdrawalTime(p.now())
		}
		eventTimes[r.PatientKey] = at
		keys = append(keys, r.PatientKey)
	}

	written := map[string]bool{}
	outcomes := p.forEachPatient(ctx, "remove", keys, func(ctx context.Context, key string) error {
		if err := p.recorder.RecordEvent(ctx, key, true, eventTimes[key], syncRunID); err != nil {
			return err
		}
		written[key] = true
		source, err := p.patients.GetRegistryName(ctx, key)
		if err != nil {
			return fmt.Errorf("lookup source registry: %w", err)
		}
		if listErr != nil {
			return fmt.Errorf("list downstream patients: %w", listErr)
		}
		if _, present := known[key]; present {
			if err := p.downstream.Remove(ctx, key); err != nil {
				return err
			}
		}
		p.publish(ctx, models.EventReservationNew, key, source, syncRunID)
		return nil
	})
	return markRecorded(outcomes, written)
}

// HandleWithdrawnReservations records the withdrawal at the approximated time
// and admits the patient downstream when absent.
func (p *Propagator) HandleWithdrawnReservations(ctx context.Context, patientKeys []string, syncRunID int64) []Outcome {
	if len(patientKeys) == 0 {
		return nil
	}
	known, listErr := p.downstream.ListKnownPatientKeys(ctx)
	withdrawnAt := p.recorder.WithdrawalTime(p.now())

	written := map[string]bool{}
	outcomes := p.forEachPatient(ctx, "admit", patientKeys, func(ctx context.Context, key string) error {
		if err := p.recorder.RecordEvent(ctx, key, false, withdrawnAt, syncRunID); err != nil {
			return err
		}
		written[key] = true
		source, err := p.patients.GetRegistryName(ctx, key)
		if err != nil {
			return fmt.Errorf("lookup source registry: %w", err)
		}
		if listErr != nil {
			return fmt.Errorf("list downstream patients: %w", listErr)
		}
		if _, present := known[key]; !present {
			if err := p.downstream.Admit(ctx, key, source); err != nil {
				return err
			}
		}
		p.publish(ctx, models.EventReservationWithdrawn, key, source, syncRunID)
		return nil
	})
	return markRecorded(outcomes, written)
}

// HandleQuarantineExpiry admits patients that have never been reserved (or
// are no longer reserved) once they were added at least the quarantine period
// ago and are still missing downstream. A nil view is read from the store.
func (p *Propagator) HandleQuarantineExpiry(ctx context.Context, now time.Time, view *ReservationView) ([]Outcome, error) {
	cutoff := now.Add(-p.quarantine)
	candidates, err := p.patients.GetPatientsAddedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	view, err = p.viewOrLoad(ctx, view)
	if err != nil {
		return nil, err
	}
	known, err := p.downstream.ListKnownPatientKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list downstream patients: %w", err)
	}

	sources := make(map[string]string, len(candidates))
	var eligible []string
	held := 0
	for _, c := range candidates {
		if view.undecryptable[c.PatientKey] {
			held++
			continue
		}
		if view.reserved[c.PatientKey] {
			continue
		}
		if _, present := known[c.PatientKey]; present {
			continue
		}
		sources[c.PatientKey] = c.RegistryName
		eligible = append(eligible, c.PatientKey)
	}
	if held > 0 {
		logger.Log.WithField("patients", held).
			Warn("Patients with an unreadable reservation flag were not admitted")
	}
	if len(eligible) > 0 {
		logger.Log.WithFields(logrus.Fields{
			"eligible": len(eligible),
			"cutoff":   cutoff.Format(time.RFC3339),
		}).Info("Admitting patients past quarantine")
	}

	return p.forEachPatient(ctx, "quarantine_admit", eligible, func(ctx context.Context, key string) error {
		return p.downstream.Admit(ctx, key, sources[key])
	}), nil
}

// RemoveReservedFromDownstream removes reserved patients that are still
// present downstream, which happens when an earlier removal failed. A nil
// view is read from the store.
func (p *Propagator) RemoveReservedFromDownstream(ctx context.Context, view *ReservationView) ([]Outcome, error) {
	view, err := p.viewOrLoad(ctx, view)
	if err != nil {
		return nil, err
	}
	if len(view.reserved) == 0 {
		return nil, nil
	}
	known, err := p.downstream.ListKnownPatientKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list downstream patients: %w", err)
	}
	var stale []string
	for key := range known {
		if view.reserved[key] {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	logger.Log.WithField("patients", len(stale)).Warn("Reserved patients still present downstream")
	return p.forEachPatient(ctx, "remove", sortedCopy(stale), func(ctx context.Context, key string) error {
		return p.downstream.Remove(ctx, key)
	}), nil
}

func (p *Propagator) viewOrLoad(ctx context.Context, view *ReservationView) (*ReservationView, error) {
	if view != nil {
		return view, nil
	}
	states, err := p.patients.GetLatestReservationPerPatient(ctx)
	if err != nil {
		return nil, fmt.Errorf("read latest reservation state: %w", err)
	}
	return NewReservationView(states), nil
}

// ReservationView is the local reservation state a cycle read while diffing,
// kept current with the events the cycle records.
type ReservationView struct {
	reserved      map[string]bool
	undecryptable map[string]bool
}

func NewReservationView(states []LatestState) *ReservationView {
	v := &ReservationView{
		reserved:      make(map[string]bool, len(states)),
		undecryptable: map[string]bool{},
	}
	for _, s := range states {
		switch {
		case s.Undecryptable:
			v.undecryptable[s.PatientKey] = true
		case s.IsReserved:
			v.reserved[s.PatientKey] = true
		}
	}
	return v
}

// Apply folds the recorded outcomes of a handler into the view.
func (v *ReservationView) Apply(outcomes []Outcome, isReserved bool) {
	for _, o := range outcomes {
		if !o.Recorded {
			continue
		}
		delete(v.undecryptable, o.PatientKey)
		if isReserved {
			v.reserved[o.PatientKey] = true
		} else {
			delete(v.reserved, o.PatientKey)
		}
	}
}

func (v *ReservationView) IsReserved(patientKey string) bool {
	return v.reserved[patientKey]
}

// forEachPatient runs fn for every key. A failing or panicking patient yields
// a propagation error in its Outcome and the loop moves on.
func (p *Propagator) forEachPatient(ctx context.Context, action string, keys []string, fn func(context.Context, string) error) []Outcome {
	outcomes := make([]Outcome, 0, len(keys))
	for _, key := range keys {
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = runIsolated(ctx, key, fn)
		}
		if err != nil {
			err = syncerr.New(syncerr.CategoryPropagation, action, err)
			p.metrics.ObservePropagationFailure(action)
			logger.Log.WithError(err).WithFields(logrus.Fields{
				"patient_key": key,
				"action":      action,
			}).Error("Propagation failed for patient")
		}
		outcomes = append(outcomes, Outcome{PatientKey: key, Err: err})
	}
	return outcomes
}

func markRecorded(outcomes []Outcome, written map[string]bool) []Outcome {
	for i := range outcomes {
		outcomes[i].Recorded = written[outcomes[i].PatientKey]
	}
	return outcomes
}

func runIsolated(ctx context.Context, key string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, key)
}

func (p *Propagator) publish(ctx context.Context, eventType, patientKey, source string, syncRunID int64) {
	data := map[string]interface{}{
		"patient_key":     patientKey,
		"source_registry": source,
		"sync_run_id":     syncRunID,
	}
	if err := p.events.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		logger.Log.WithError(err).WithField("patient_key", patientKey).Warn("Failed to publish reservation event")
	}
}

func sortedCopy(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

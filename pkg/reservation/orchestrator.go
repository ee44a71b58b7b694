package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/kafka"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/models"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
	"github.com/synaptica-ai/reservation-sync/pkg/consent"
	"github.com/synaptica-ai/reservation-sync/pkg/identity"
	"github.com/synaptica-ai/reservation-sync/pkg/observability/metrics"
)

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateDiffing     State = "diffing"
	StateRecording   State = "recording"
	StatePropagating State = "propagating"
	StateAborted     State = "aborted"
)

const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeSkipped   = "skipped"
)

var (
	ErrCycleInProgress = errors.New("a sync cycle is already running")
	ErrLeaseHeld       = errors.New("sync lease held by another instance")
)

// ConsentReader streams the remote active-reservation feed page by page.
type ConsentReader interface {
	FetchActiveReservations(ctx context.Context, definitionGUID, partCode string, handle func(page []consent.ActiveReservation) error) error
}

type IdentityIndex interface {
	Resolver
	Reload(ctx context.Context, source identity.IdentifierSource) error
	Size() int
}

// LocalState is what the cycle reads before diffing.
type LocalState interface {
	identity.IdentifierSource
	GetLatestReservationPerPatient(ctx context.Context) ([]LatestState, error)
}

type OrchestratorConfig struct {
	DefinitionGUID string
	PartCode       string
	Interval       time.Duration
}

// CycleReport summarises one RunCycle call.
type CycleReport struct {
	RunID               int64
	Outcome             string
	StartedAt           time.Time
	Duration            time.Duration
	Pages               int
	RemoteEntries       int
	New                 int
	Withdrawn           int
	Unresolved          int
	Partial             bool
	DeferredWithdrawals int
	PropagationFailures int
	QuarantineAdmitted  int
	Err                 error
}

type Orchestrator struct {
	cfg        OrchestratorConfig
	store      LocalState
	cache      IdentityIndex
	consent    ConsentReader
	recorder   *Recorder
	propagator *Propagator
	events     kafka.Publisher
	metrics    *metrics.Metrics
	lease      Lease
	now        func() time.Time

	cycleMu sync.Mutex
	async   sync.WaitGroup

	mu      sync.RWMutex
	state   State
	last    *CycleReport
	baseCtx context.Context
}

func NewOrchestrator(cfg OrchestratorConfig, store LocalState, cache IdentityIndex, reader ConsentReader, recorder *Recorder, propagator *Propagator, events kafka.Publisher, m *metrics.Metrics) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if events == nil {
		events = kafka.NoopPublisher{}
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		cache:      cache,
		consent:    reader,
		recorder:   recorder,
		propagator: propagator,
		events:     events,
		metrics:    m,
		now:        time.Now,
		state:      StateIdle,
		baseCtx:    context.Background(),
	}
}

// WithLease makes every cycle require the lease first.
func (o *Orchestrator) WithLease(lease Lease) *Orchestrator {
	o.lease = lease
	return o
}

// Run executes one cycle immediately and then one per interval until ctx is
// cancelled. Failed cycles are not retried before the next tick. Run returns
// only after cycles started by TriggerAsync have finished.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	logger.Log.WithField("interval", o.cfg.Interval.String()).Info("Reservation sync loop started")
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.async.Wait()
			logger.Log.Info("Reservation sync loop stopped")
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle runs one reconciliation cycle. It never panics and never returns
// an error; failures are reported in the CycleReport and the sync run.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleReport {
	if !o.cycleMu.TryLock() {
		return CycleReport{Outcome: OutcomeSkipped, Err: ErrCycleInProgress}
	}
	defer o.cycleMu.Unlock()
	return o.runLocked(ctx)
}

// TriggerAsync starts a cycle in the background unless one is running.
func (o *Orchestrator) TriggerAsync() error {
	if !o.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	o.mu.RLock()
	ctx := o.baseCtx
	o.mu.RUnlock()
	o.async.Add(1)
	go func() {
		defer o.async.Done()
		defer o.cycleMu.Unlock()
		o.runLocked(ctx)
	}()
	return nil
}

// Wait blocks until cycles started by TriggerAsync have finished.
func (o *Orchestrator) Wait() {
	o.async.Wait()
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) Status() models.CycleStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	status := models.CycleStatus{State: string(o.state), CacheSize: o.cache.Size()}
	if o.last != nil {
		started := o.last.StartedAt
		status.LastRunID = o.last.RunID
		status.LastRunAt = &started
		status.LastRunFailed = o.last.Outcome == OutcomeAborted
	}
	return status
}

func (o *Orchestrator) runLocked(ctx context.Context) (report CycleReport) {
	report.StartedAt = o.now()
	defer func() {
		if r := recover(); r != nil {
			o.abort(ctx, &report, fmt.Errorf("cycle panic: %v", r))
		}
		o.finish(&report)
	}()

	if o.lease != nil {
		release, ok, err := o.lease.Acquire(ctx)
		if err != nil || !ok {
			if err == nil {
				err = ErrLeaseHeld
			}
			report.Outcome = OutcomeSkipped
			report.Err = err
			logger.Log.WithError(err).Warn("Skipping sync cycle")
			return report
		}
		defer release()
	}

	o.cycle(ctx, &report)
	return report
}

func (o *Orchestrator) cycle(ctx context.Context, r *CycleReport) {
	o.setState(StateFetching)
	runID, err := o.recorder.BeginRun(ctx)
	if err != nil {
		o.abort(ctx, r, fmt.Errorf("begin sync run: %w", err))
		return
	}
	r.RunID = runID

	if err := o.cache.Reload(ctx, o.store); err != nil {
		o.abort(ctx, r, fmt.Errorf("reload identity cache: %w", err))
		return
	}
	o.metrics.SetCacheSize(o.cache.Size())

	var remote []consent.ActiveReservation
	fetchErr := o.consent.FetchActiveReservations(ctx, o.cfg.DefinitionGUID, o.cfg.PartCode, func(page []consent.ActiveReservation) error {
		r.Pages++
		remote = append(remote, page...)
		return nil
	})
	r.RemoteEntries = len(remote)
	if fetchErr != nil {
		switch {
		case syncerr.IsAuthentication(fetchErr), ctx.Err() != nil, r.Pages == 0:
			o.abort(ctx, r, fmt.Errorf("fetch active reservations: %w", fetchErr))
			return
		default:
			r.Partial = true
			logger.Log.WithError(fetchErr).WithFields(logrus.Fields{
				"sync_run_id": runID,
				"pages":       r.Pages,
			}).Warn("Reservation feed incomplete; continuing with the pages received")
		}
	}

	o.setState(StateDiffing)
	local, err := o.store.GetLatestReservationPerPatient(ctx)
	if err != nil {
		o.abort(ctx, r, fmt.Errorf("read local reservation state: %w", err))
		return
	}
	view := NewReservationView(local)
	delta := ComputeDelta(remote, local, o.cache)
	r.Unresolved = delta.Unresolved
	withdrawn := delta.Withdrawn
	if r.Partial && len(withdrawn) > 0 {
		r.DeferredWithdrawals = len(withdrawn)
		withdrawn = nil
		logger.Log.WithField("deferred", r.DeferredWithdrawals).
			Warn("Withdrawals deferred because the reservation feed is incomplete")
	}

	o.setState(StateRecording)
	newOutcomes := o.propagator.HandleNewReservations(ctx, delta.New, runID)
	withdrawnOutcomes := o.propagator.HandleWithdrawnReservations(ctx, withdrawn, runID)
	r.New = recorded(newOutcomes)
	r.Withdrawn = recorded(withdrawnOutcomes)
	r.PropagationFailures = failures(newOutcomes) + failures(withdrawnOutcomes)
	view.Apply(newOutcomes, true)
	view.Apply(withdrawnOutcomes, false)
	if err := ctx.Err(); err != nil {
		o.abort(ctx, r, fmt.Errorf("sync cycle interrupted while recording: %w", err))
		return
	}

	o.setState(StatePropagating)
	sweepErrors := map[string]interface{}{}
	admitted, err := o.propagator.HandleQuarantineExpiry(ctx, o.now(), view)
	if err != nil {
		sweepErrors["quarantine"] = err.Error()
		logger.Log.WithError(err).Error("Quarantine expiry check failed")
	}
	r.QuarantineAdmitted = len(admitted) - failures(admitted)
	stale, err := o.propagator.RemoveReservedFromDownstream(ctx, view)
	if err != nil {
		sweepErrors["reserved_sweep"] = err.Error()
		logger.Log.WithError(err).Error("Downstream reservation sweep failed")
	}
	r.PropagationFailures += failures(admitted) + failures(stale)
	if err := ctx.Err(); err != nil {
		o.abort(ctx, r, fmt.Errorf("sync cycle interrupted while propagating: %w", err))
		return
	}

	details := o.details(r)
	if fetchErr != nil {
		details["fetch_error"] = fetchErr.Error()
	}
	if len(sweepErrors) > 0 {
		details["sweep_errors"] = sweepErrors
	}
	completeCtx, cancel := detached(ctx)
	defer cancel()
	if err := o.recorder.CompleteRun(completeCtx, runID, r.New, r.Withdrawn, nil, details); err != nil {
		o.setState(StateAborted)
		r.Outcome = OutcomeAborted
		r.Err = fmt.Errorf("complete sync run: %w", err)
		logger.Log.WithError(err).WithField("sync_run_id", runID).Error("Failed to complete sync run")
		return
	}
	r.Outcome = OutcomeCompleted
	o.publishCompleted(completeCtx, r)
}

// detached outlives cancellation of ctx so a run can still be closed during
// shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func (o *Orchestrator) abort(ctx context.Context, r *CycleReport, err error) {
	o.setState(StateAborted)
	r.Outcome = OutcomeAborted
	r.Err = err
	logger.Log.WithError(err).WithField("sync_run_id", r.RunID).Error("Sync cycle aborted")
	if r.RunID == 0 {
		return
	}
	completeCtx, cancel := detached(ctx)
	defer cancel()
	if cerr := o.recorder.CompleteRun(completeCtx, r.RunID, r.New, r.Withdrawn, err, o.details(r)); cerr != nil {
		logger.Log.WithError(cerr).WithField("sync_run_id", r.RunID).Error("Failed to record aborted sync run")
	}
}

func (o *Orchestrator) finish(r *CycleReport) {
	r.Duration = o.now().Sub(r.StartedAt)
	o.metrics.ObserveCycle(r.Outcome, r.Duration, r.New, r.Withdrawn, r.Unresolved)

	o.mu.Lock()
	o.state = StateIdle
	if r.Outcome != OutcomeSkipped {
		last := *r
		o.last = &last
	}
	o.mu.Unlock()

	logger.Log.WithFields(logrus.Fields{
		"sync_run_id":          r.RunID,
		"outcome":              r.Outcome,
		"pages":                r.Pages,
		"new":                  r.New,
		"withdrawn":            r.Withdrawn,
		"unresolved":           r.Unresolved,
		"propagation_failures": r.PropagationFailures,
		"duration_ms":          r.Duration.Milliseconds(),
	}).Info("Sync cycle finished")
}

func (o *Orchestrator) details(r *CycleReport) map[string]interface{} {
	return map[string]interface{}{
		"pages":                r.Pages,
		"remote_entries":       r.RemoteEntries,
		"unresolved":           r.Unresolved,
		"partial_feed":         r.Partial,
		"deferred_withdrawals": r.DeferredWithdrawals,
		"propagation_failures": r.PropagationFailures,
		"quarantine_admitted":  r.QuarantineAdmitted,
	}
}

func (o *Orchestrator) publishCompleted(ctx context.Context, r *CycleReport) {
	data := map[string]interface{}{
		"sync_run_id":          r.RunID,
		"new_reservations":     r.New,
		"withdrawn":            r.Withdrawn,
		"unresolved":           r.Unresolved,
		"propagation_failures": r.PropagationFailures,
		"partial_feed":         r.Partial,
	}
	if err := o.events.PublishEvent(ctx, models.EventSyncCompleted, eventSource, data); err != nil {
		logger.Log.WithError(err).Warn("Failed to publish sync completion")
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

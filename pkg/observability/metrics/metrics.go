package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the reconciliation metrics. A nil *Metrics records nothing.
type Metrics struct {
	CyclesTotal           *prometheus.CounterVec
	CycleDuration         prometheus.Histogram
	NewReservations       prometheus.Counter
	WithdrawnReservations prometheus.Counter
	UnresolvedIdentifiers prometheus.Counter
	PropagationFailures   *prometheus.CounterVec
	IdentityCacheSize     prometheus.Gauge
}

// New registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reservation_sync_cycles_total",
			Help: "Reconciliation cycles by outcome (completed, aborted, skipped).",
		}, []string{"outcome"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservation_sync_cycle_duration_seconds",
			Help:    "Wall time of one reconciliation cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		NewReservations: factory.NewCounter(prometheus.CounterOpts{
			Name: "reservation_sync_new_reservations_total",
			Help: "Reservations recorded as newly set.",
		}),
		WithdrawnReservations: factory.NewCounter(prometheus.CounterOpts{
			Name: "reservation_sync_withdrawn_reservations_total",
			Help: "Reservations recorded as withdrawn.",
		}),
		UnresolvedIdentifiers: factory.NewCounter(prometheus.CounterOpts{
			Name: "reservation_sync_unresolved_identifiers_total",
			Help: "Remote entries whose identifier did not match a local patient.",
		}),
		PropagationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reservation_sync_propagation_failures_total",
			Help: "Per-patient downstream failures by action.",
		}, []string{"action"}),
		IdentityCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reservation_sync_identity_cache_entries",
			Help: "Distinct identifiers in the patient identity cache.",
		}),
	}
}

func (m *Metrics) ObserveCycle(outcome string, duration time.Duration, newCount, withdrawnCount, unresolved int) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.NewReservations.Add(float64(newCount))
	m.WithdrawnReservations.Add(float64(withdrawnCount))
	m.UnresolvedIdentifiers.Add(float64(unresolved))
}

func (m *Metrics) ObservePropagationFailure(action string) {
	if m == nil {
		return
	}
	m.PropagationFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.IdentityCacheSize.Set(float64(n))
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

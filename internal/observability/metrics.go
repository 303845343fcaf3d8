package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk gate. The recording
// helpers are nil-receiver safe so library code can run without a
// registry wired (tests, one-shot operator commands).
type Metrics struct {
	// --- Admission pipeline ---
	OrdersChecked  *prometheus.CounterVec
	OrdersRejected prometheus.Counter

	// --- Kill switch ---
	KillSwitchEngagements    prometheus.Counter
	KillSwitchDisengagements prometheus.Counter
	KillSwitchEngaged        prometheus.Gauge

	// --- Circuit breaker ---
	BreakerTrips  *prometheus.CounterVec
	BreakerResets prometheus.Counter
	BreakerState  *prometheus.GaugeVec

	// --- Position reservations ---
	Reservations *prometheus.CounterVec

	// --- Store coordination ---
	OptimisticConflicts *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		OrdersChecked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_orders_checked_total",
			Help: "Orders run through the admission pipeline",
		}, []string{"result"}),

		OrdersRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_orders_rejected_total",
			Help: "Orders rejected by any check",
		}),

		KillSwitchEngagements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_kill_switch_engagements_total",
			Help: "Manual kill switch engagements",
		}),

		KillSwitchDisengagements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_kill_switch_disengagements_total",
			Help: "Manual kill switch disengagements",
		}),

		KillSwitchEngaged: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_kill_switch_engaged",
			Help: "1 while the kill switch is ENGAGED",
		}),

		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_breaker_trips_total",
			Help: "Circuit breaker trips",
		}, []string{"reason"}),

		BreakerResets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_breaker_resets_total",
			Help: "Circuit breaker resets into quiet period",
		}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_breaker_state",
			Help: "1 for the current breaker state, 0 for the others",
		}, []string{"state"}),

		Reservations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_reservations_total",
			Help: "Position reservation outcomes",
		}, []string{"outcome"}),

		OptimisticConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_optimistic_conflicts_total",
			Help: "Optimistic transactions that exhausted their retry bound",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordOrderChecked(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.OrdersChecked.WithLabelValues("allowed").Inc()
	} else {
		m.OrdersChecked.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) RecordOrderRejected() {
	if m == nil {
		return
	}
	m.OrdersRejected.Inc()
}

func (m *Metrics) RecordKillSwitchEngaged() {
	if m == nil {
		return
	}
	m.KillSwitchEngagements.Inc()
	m.KillSwitchEngaged.Set(1)
}

func (m *Metrics) RecordKillSwitchDisengaged() {
	if m == nil {
		return
	}
	m.KillSwitchDisengagements.Inc()
	m.KillSwitchEngaged.Set(0)
}

func (m *Metrics) RecordBreakerTrip(reason string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBreakerReset() {
	if m == nil {
		return
	}
	m.BreakerResets.Inc()
}

// SetBreakerState mirrors the persisted state into a one-hot gauge.
func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"OPEN", "TRIPPED", "QUIET_PERIOD"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.BreakerState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordReservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOptimisticConflict(operation string) {
	if m == nil {
		return
	}
	m.OptimisticConflicts.WithLabelValues(operation).Inc()
}

// SetKillSwitchEngaged mirrors the persisted kill switch state.
func (m *Metrics) SetKillSwitchEngaged(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.KillSwitchEngaged.Set(1)
	} else {
		m.KillSwitchEngaged.Set(0)
	}
}

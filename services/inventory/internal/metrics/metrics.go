package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics prometheus метрики движка резервирования.
// Методы безопасно вызывать на nil (метрики выключены).
type Metrics struct {
	reservations   *prometheus.CounterVec
	releasedLocks  *prometheus.CounterVec
	shortfallUnits prometheus.Counter
	sweepRuns      *prometheus.CounterVec
	expiredBatches prometheus.Counter
	planDuration   prometheus.Histogram
}

// New регистрирует метрики в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "reservations_total",
			Help:      "Reserve calls by result (reserved, already_reserved, conflict, error).",
		}, []string{"result"}),
		releasedLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "released_locks_total",
			Help:      "Reservation records removed, by reason (confirmed, released, expired).",
		}, []string{"reason"}),
		shortfallUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "allocation_shortfall_units_total",
			Help:      "Units that could not be allocated from any warehouse.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "sweep_runs_total",
			Help:      "Expiry sweeper runs by result (ok, error).",
		}, []string{"result"}),
		expiredBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "expired_batches_total",
			Help:      "Batches moved to EXPIRED by the sweeper.",
		}),
		planDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inventory",
			Name:      "allocation_plan_duration_seconds",
			Help:      "Time spent planning allocations across warehouses.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.reservations,
		m.releasedLocks,
		m.shortfallUnits,
		m.sweepRuns,
		m.expiredBatches,
		m.planDuration,
	)
	return m
}

// Reservation учитывает результат Reserve
func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// LocksRemoved учитывает удалённые записи блокировок
func (m *Metrics) LocksRemoved(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.releasedLocks.WithLabelValues(reason).Add(float64(n))
}

// Shortfall учитывает непокрытые единицы
func (m *Metrics) Shortfall(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.shortfallUnits.Add(float64(units))
}

// SweepRun учитывает прогон sweeper
func (m *Metrics) SweepRun(ok bool, expiredBatches int64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	if expiredBatches > 0 {
		m.expiredBatches.Add(float64(expiredBatches))
	}
}

// ObservePlan записывает длительность планирования
func (m *Metrics) ObservePlan(d time.Duration) {
	if m == nil {
		return
	}
	m.planDuration.Observe(d.Seconds())
}

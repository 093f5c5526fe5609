package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reservation("reserved")
	m.Reservation("reserved")
	m.Reservation("conflict")
	m.LocksRemoved("expired", 3)
	m.LocksRemoved("expired", 0)
	m.Shortfall(4)
	m.SweepRun(true, 2)
	m.ObservePlan(10 * time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.reservations.WithLabelValues("reserved")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues("conflict")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.releasedLocks.WithLabelValues("expired")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.shortfallUnits))
	require.Equal(t, 2.0, testutil.ToFloat64(m.expiredBatches))
	require.Equal(t, 1, testutil.CollectAndCount(m.planDuration))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Reservation("reserved")
		m.LocksRemoved("released", 1)
		m.Shortfall(1)
		m.SweepRun(false, 0)
		m.ObservePlan(time.Second)
	})
}

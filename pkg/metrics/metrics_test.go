package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObservesFabricSetupDuration(t *testing.T) {
	var m dto.Metric
	require.NoError(t, FabricSetupDuration.Write(&m))
	before := m.GetHistogram().GetSampleCount()

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(FabricSetupDuration)

	m.Reset()
	require.NoError(t, FabricSetupDuration.Write(&m))
	assert.Equal(t, before+1, m.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimerObservesDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tproxy_test_action_duration_seconds",
			Help:    "scratch histogram for ObserveDurationVec coverage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDurationVec(vec, "delay")

	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestTimerDurationIsMonotonic(t *testing.T) {
	timer := NewTimer()
	first := timer.Duration()
	time.Sleep(5 * time.Millisecond)
	second := timer.Duration()
	assert.Greater(t, second, first)
}

func TestFabricSessionsActiveGaugeTracksSupervisorLifecycle(t *testing.T) {
	FabricSessionsActive.Set(0)
	FabricSessionsActive.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(FabricSessionsActive))
	FabricSessionsActive.Dec()
	require.Equal(t, float64(0), testutil.ToFloat64(FabricSessionsActive))
}

func TestReloadsTotalLabelsByResult(t *testing.T) {
	before := testutil.ToFloat64(ReloadsTotal.WithLabelValues("ok"))
	ReloadsTotal.WithLabelValues("ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ReloadsTotal.WithLabelValues("ok")))
}

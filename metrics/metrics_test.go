package metrics_test

import (
	"testing"

	"github.com/formsally/allybridge/metrics"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NotNil(t, m)

	m.SessionInitCount.WithLabelValues(metrics.StatusOK).Inc()
	m.ToolCallCount.WithLabelValues("log_symptoms", metrics.StatusOK).Inc()
	m.ToolCallDuration.WithLabelValues("log_symptoms").Observe(0.2)
	m.ToolDispatchCount.WithLabelValues("search_reddit", metrics.StatusDenied).Inc()
	m.AgentTurnCount.WithLabelValues(metrics.OutcomeTool).Inc()
	m.AgentTurnDuration.Observe(1.5)
	m.SearchUpstreamCount.WithLabelValues("reddit", metrics.StatusError).Inc()
	m.BreakerState.WithLabelValues("customsearch").Set(1)
	m.BreakerTrips.WithLabelValues("customsearch").Inc()

	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.SessionInitCount.WithLabelValues(metrics.StatusOK)))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.ToolCallCount.WithLabelValues("log_symptoms", metrics.StatusOK)))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.BreakerState.WithLabelValues("customsearch")))

	// All collectors must be registered against the provided registerer.
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_ = metrics.New(reg)
	assert.Panics(t, func() {
		_ = metrics.New(reg)
	})
}

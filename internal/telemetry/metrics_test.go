package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	appErrors "github.com/gobby-dev/gobbyd/internal/errors"
)

func TestObserveHookDecisionIncrementsCounter(t *testing.T) {
	m := NewMetrics()
	m.ObserveHookDecision("before_tool", "allow")
	m.ObserveHookDecision("before_tool", "allow")
	m.ObserveHookDecision("before_tool", "block")

	require.Equal(t, float64(2), testutil.ToFloat64(m.HookDecisions.WithLabelValues("before_tool", "allow")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.HookDecisions.WithLabelValues("before_tool", "block")))
}

func TestCircuitBreakerCallbackSetsStateGauge(t *testing.T) {
	m := NewMetrics()
	cb := m.CircuitBreakerCallback()
	cb(appErrors.StateClosed, appErrors.StateOpen, "mcp.test-server")

	require.Equal(t, float64(appErrors.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("mcp.test-server")))
}

func TestObserveMCPServerHealthTogglesGauge(t *testing.T) {
	m := NewMetrics()
	m.ObserveMCPServerHealth("test-server", true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.MCPServerHealthy.WithLabelValues("test-server")))

	m.ObserveMCPServerHealth("test-server", false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.MCPServerHealthy.WithLabelValues("test-server")))
}

func TestObserveGoroutinePanicIncrementsCounter(t *testing.T) {
	m := NewMetrics()
	m.ObserveGoroutinePanic("mcp.healthMonitor")
	m.ObserveGoroutinePanic("mcp.healthMonitor")

	require.Equal(t, float64(2), testutil.ToFloat64(m.GoroutinePanics.WithLabelValues("mcp.healthMonitor")))
}

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	m := NewMetrics()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

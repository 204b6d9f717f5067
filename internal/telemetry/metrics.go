package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	appErrors "github.com/gobby-dev/gobbyd/internal/errors"
)

// Metrics bundles the daemon's Prometheus collectors on a dedicated
// registry — not the global DefaultRegisterer, so tests and more than one
// daemon instance in a process never collide on collector registration.
type Metrics struct {
	Registry *prometheus.Registry

	DaemonReady         prometheus.Gauge
	HookDecisions       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	MCPServerHealthy    *prometheus.GaugeVec
	GoroutinePanics     *prometheus.CounterVec
}

// NewMetrics builds and registers the daemon's collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		DaemonReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gobbyd_daemon_ready",
			Help: "1 when the daemon has finished bootstrap and is serving hooks, 0 otherwise.",
		}),
		HookDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobbyd_hook_decisions_total",
			Help: "Count of Hook Pipeline decisions, by event type and final decision.",
		}, []string{"event_type", "decision"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobbyd_circuit_breaker_state",
			Help: "Circuit breaker state by name: 0=closed, 1=open, 2=half-open.",
		}, []string{"name"}),
		MCPServerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gobbyd_mcp_server_healthy",
			Help: "1 when the named MCP server's last health check succeeded, 0 otherwise.",
		}, []string{"server"}),
		GoroutinePanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gobbyd_goroutine_panics_total",
			Help: "Count of recovered panics from background goroutines, by name.",
		}, []string{"name"}),
	}

	reg.MustRegister(m.DaemonReady, m.HookDecisions, m.CircuitBreakerState, m.MCPServerHealthy, m.GoroutinePanics)
	return m
}

// CircuitBreakerCallback returns an errors.CircuitBreaker OnStateChange hook
// that mirrors every transition onto CircuitBreakerState.
func (m *Metrics) CircuitBreakerCallback() func(from, to appErrors.CircuitState, name string) {
	return func(from, to appErrors.CircuitState, name string) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// ObserveHookDecision increments the decision counter for one Handle call.
func (m *Metrics) ObserveHookDecision(eventType, decision string) {
	m.HookDecisions.WithLabelValues(eventType, decision).Inc()
}

// ObserveMCPServerHealth records whether server's last health check passed.
func (m *Metrics) ObserveMCPServerHealth(server string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.MCPServerHealthy.WithLabelValues(server).Set(v)
}

// ObserveGoroutinePanic increments the panic counter for the named
// background goroutine. Wired as async.OnPanic.
func (m *Metrics) ObserveGoroutinePanic(name string) {
	m.GoroutinePanics.WithLabelValues(name).Inc()
}

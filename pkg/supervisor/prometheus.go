package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	currentState     *prometheus.GaugeVec

	launchDuration      *prometheus.HistogramVec
	startupDuration     *prometheus.HistogramVec
	terminationDuration prometheus.Histogram

	portResolutions *prometheus.CounterVec
	healthAttempts  *prometheus.CounterVec
	fatalErrors     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "deskhost"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_state_transitions_total",
			Help:      "Total number of supervisor state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// One series per state, 1 for the current state
	pmc.currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "Current supervisor state (1 for the active state)",
		},
		[]string{"state"},
	)

	pmc.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_launch_duration_seconds",
			Help:      "Duration of path resolution, secret provisioning and spawn",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pmc.startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_startup_duration_seconds",
			Help:      "Duration from start until the backend was ready or startup failed",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	pmc.terminationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_termination_duration_seconds",
			Help:      "Duration of backend termination",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	pmc.portResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_port_resolutions_total",
			Help:      "Backend port resolutions by source",
		},
		[]string{"source"},
	)

	pmc.healthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_health_attempts_total",
			Help:      "Backend health check attempts by result",
		},
		[]string{"result"},
	)

	pmc.fatalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_fatal_errors_total",
			Help:      "Fatal supervisor errors by kind",
		},
		[]string{"kind"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.currentState,
		pmc.launchDuration,
		pmc.startupDuration,
		pmc.terminationDuration,
		pmc.portResolutions,
		pmc.healthAttempts,
		pmc.fatalErrors,
	)

	return pmc
}

// StateTransition records a state transition
func (pmc *PrometheusMetricsCollector) StateTransition(from, to State) {
	pmc.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	pmc.currentState.WithLabelValues(from.String()).Set(0)
	pmc.currentState.WithLabelValues(to.String()).Set(1)
}

// LaunchDuration records the duration of the launch step
func (pmc *PrometheusMetricsCollector) LaunchDuration(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.launchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// PortResolved records a port resolution
func (pmc *PrometheusMetricsCollector) PortResolved(source PortSource) {
	pmc.portResolutions.WithLabelValues(string(source)).Inc()
}

// HealthAttempt records a health check attempt
func (pmc *PrometheusMetricsCollector) HealthAttempt(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	pmc.healthAttempts.WithLabelValues(result).Inc()
}

// StartupDuration records the startup duration
func (pmc *PrometheusMetricsCollector) StartupDuration(duration time.Duration, outcome State) {
	pmc.startupDuration.WithLabelValues(outcome.String()).Observe(duration.Seconds())
}

// TerminationDuration records the duration of a termination
func (pmc *PrometheusMetricsCollector) TerminationDuration(duration time.Duration) {
	pmc.terminationDuration.Observe(duration.Seconds())
}

// FatalError records a fatal error
func (pmc *PrometheusMetricsCollector) FatalError(kind FatalKind) {
	pmc.fatalErrors.WithLabelValues(kind.String()).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

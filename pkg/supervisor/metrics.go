package supervisor

import (
	"time"
)

// PortSource records how the backend port was decided
type PortSource string

const (
	PortSourceAnnounced PortSource = "announced"
	PortSourceFallback  PortSource = "fallback"
	PortSourceFixed     PortSource = "fixed"
)

// MetricsCollector defines the interface for collecting supervisor metrics
type MetricsCollector interface {
	// StateTransition records a state transition
	StateTransition(from, to State)

	// LaunchDuration records resolve + provision + spawn time
	LaunchDuration(duration time.Duration, err error)

	// PortResolved records where the port came from
	PortResolved(source PortSource)

	// HealthAttempt records one health request; err is nil on success
	HealthAttempt(err error)

	// StartupDuration records time from Start to Ready or Failed
	StartupDuration(duration time.Duration, outcome State)

	// TerminationDuration records how long the backend took to stop
	TerminationDuration(duration time.Duration)

	// FatalError records a fatal error by kind
	FatalError(kind FatalKind)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) StateTransition(from, to State)                        {}
func (n *noopMetricsCollector) LaunchDuration(duration time.Duration, err error)      {}
func (n *noopMetricsCollector) PortResolved(source PortSource)                        {}
func (n *noopMetricsCollector) HealthAttempt(err error)                               {}
func (n *noopMetricsCollector) StartupDuration(duration time.Duration, outcome State) {}
func (n *noopMetricsCollector) TerminationDuration(duration time.Duration)            {}
func (n *noopMetricsCollector) FatalError(kind FatalKind)                             {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

// HealthAttemptHook adapts mc for health.WithAttemptHook
func HealthAttemptHook(mc MetricsCollector) func(attempt int, err error) {
	return func(_ int, err error) {
		mc.HealthAttempt(err)
	}
}

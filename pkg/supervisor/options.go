package supervisor

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/deskhost/pkg/alert"
	"github.com/jrepp/deskhost/pkg/readiness"
)

// Option configures the Controller
type Option func(*Controller)

// WithSecretGate runs gate before every spawn. Without it no secrets are provisioned.
func WithSecretGate(gate SecretGate) Option {
	return func(c *Controller) {
		c.gate = gate
	}
}

// WithSpawner replaces the process spawner
func WithSpawner(spawn Spawner) Option {
	return func(c *Controller) {
		c.spawn = spawn
	}
}

// WithPoller replaces the health poller
func WithPoller(poller Poller) Option {
	return func(c *Controller) {
		c.poller = poller
	}
}

// WithBroadcaster sets where readiness is published
func WithBroadcaster(b *readiness.Broadcaster) Option {
	return func(c *Controller) {
		c.broadcaster = b
	}
}

// WithPresenter sets how fatal errors are shown to the user
func WithPresenter(p alert.Presenter) Option {
	return func(c *Controller) {
		c.presenter = p
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(c *Controller) {
		c.metrics = mc
	}
}

// WithTracerProvider enables startup phase spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) {
		c.tracer = tp.Tracer(TracerName)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

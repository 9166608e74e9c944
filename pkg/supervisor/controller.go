// Package supervisor runs the backend through launch, port discovery and
// health polling, publishes readiness, and guarantees the backend is
// terminated on shutdown.
//
// A single goroutine owns the state machine and the process handle. Stream
// readers, the exit watcher, the port timer and the poll task only deliver
// events to it over channels.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jrepp/deskhost/pkg/alert"
	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/health"
	"github.com/jrepp/deskhost/pkg/launcher"
	"github.com/jrepp/deskhost/pkg/readiness"
)

const (
	DefaultPort            = 5001
	DefaultAnnounceTimeout = 5 * time.Second
	DefaultGracePeriod     = 5 * time.Second
)

// Config describes what to launch and the timing policy
type Config struct {
	Mode     bundle.Mode
	Platform bundle.Platform
	Layout   bundle.Layout

	// PortPolicy decides whether the backend announces its port or is told one
	PortPolicy launcher.PortPolicy
	// DefaultPort is the fixed port, or the fallback when no announcement arrives
	DefaultPort     int
	AnnouncePrefix  string
	AnnounceTimeout time.Duration

	// GracePeriod bounds the wait between SIGTERM and SIGKILL
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.PortPolicy == "" {
		c.PortPolicy = launcher.PortPolicyAnnounce
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = DefaultPort
	}
	if c.AnnouncePrefix == "" {
		c.AnnouncePrefix = launcher.DefaultAnnouncePrefix
	}
	if c.AnnounceTimeout <= 0 {
		c.AnnounceTimeout = DefaultAnnounceTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

// Controller supervises one backend process for the lifetime of the application
type Controller struct {
	config Config

	gate        SecretGate
	spawn       Spawner
	poller      Poller
	broadcaster *readiness.Broadcaster
	presenter   alert.Presenter
	metrics     MetricsCollector
	tracer      trace.Tracer
	logger      *slog.Logger

	mu       sync.RWMutex
	state    State
	endpoint launcher.Endpoint
	resolved bool
	fatal    *FatalError
	started  bool
	stopped  bool

	shutdownCh   chan chan error
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a controller. Missing collaborators get defaults: real process
// spawning, a default health poller, a fresh broadcaster, a log-only
// presenter and no-op metrics and tracing.
func New(config Config, opts ...Option) *Controller {
	c := &Controller{
		config:     config.withDefaults(),
		state:      StateNotStarted,
		shutdownCh: make(chan chan error),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = NewNoopMetricsCollector()
	}
	if c.tracer == nil {
		c.tracer = noopTracer()
	}
	if c.spawn == nil {
		c.spawn = LauncherSpawner(launcher.WithLogger(c.logger))
	}
	if c.poller == nil {
		c.poller = health.NewPoller(
			health.WithLogger(c.logger),
			health.WithAttemptHook(HealthAttemptHook(c.metrics)))
	}
	if c.broadcaster == nil {
		c.broadcaster = readiness.NewBroadcaster()
	}
	if c.presenter == nil {
		c.presenter = alert.Discard
	}

	return c
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Endpoint returns the resolved endpoint. It is set once the port is known,
// which is before the backend is healthy; use Readiness to gate UI work.
func (c *Controller) Endpoint() (launcher.Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.resolved
}

// Fatal returns the error that moved the controller to Failed
func (c *Controller) Fatal() *FatalError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatal
}

// Readiness returns the broadcaster UI surfaces subscribe to
func (c *Controller) Readiness() *readiness.Broadcaster {
	return c.broadcaster
}

// Done is closed once the controller reached Failed or Stopped and the
// backend is gone
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start runs startup until the backend is Ready or startup fails. It returns
// nil when Ready, a *FatalError on failure (already shown to the user), or
// ErrStopped / ctx.Err() when startup was interrupted. Cancelling ctx only
// affects startup; after Ready the backend runs until Shutdown.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	result := make(chan error, 1)
	go c.run(ctx, result)
	return <-result
}

// Shutdown cancels any pending startup work, detaches output listeners and
// terminates the backend, waiting for its exit. It is safe from any state
// and only the first call does work. ctx bounds the wait, not the
// termination itself.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *Controller) shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.stopped = true
		from := c.state
		c.state = StateStopped
		c.mu.Unlock()
		c.metrics.StateTransition(from, StateStopped)
		close(c.done)
		return nil
	}
	c.mu.Unlock()

	reply := make(chan error, 1)
	select {
	case c.shutdownCh <- reply:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop holds everything owned by the run goroutine
type loop struct {
	startCtx  context.Context
	started   chan<- error
	startedAt time.Time
	span      trace.Span

	launchCh     chan launchResult
	launchCancel context.CancelFunc

	backend Backend
	exited  <-chan struct{}

	parser      *launcher.PortParser
	portFound   <-chan struct{}
	portTimer   *time.Timer
	portTimeout <-chan time.Time
	portSpan    trace.Span

	pollCh     chan health.Result
	pollCancel context.CancelFunc
}

// report delivers the Start result once
func (l *loop) report(err error) {
	if l.started != nil {
		l.started <- err
		l.started = nil
	}
}

type launchResult struct {
	backend Backend
	parser  *launcher.PortParser
	err     *FatalError
}

func (c *Controller) run(startCtx context.Context, started chan<- error) {
	defer close(c.done)

	ctx, span := c.tracer.Start(context.Background(), spanStartup,
		trace.WithAttributes(
			attribute.String("mode", string(c.config.Mode)),
			attribute.String("platform", string(c.config.Platform)),
			attribute.String("port_policy", string(c.config.PortPolicy))))

	l := &loop{
		startCtx:  startCtx,
		started:   started,
		startedAt: time.Now(),
		span:      span,
		launchCh:  make(chan launchResult, 1),
	}

	c.transition(StateLaunching)

	launchCtx, cancel := context.WithCancel(ctx)
	l.launchCancel = cancel
	go c.launch(launchCtx, l.launchCh)

	startDone := startCtx.Done()

	for {
		select {
		case res := <-l.launchCh:
			l.launchCh = nil
			l.launchCancel()
			if res.err != nil {
				c.fail(l, res.err)
				return
			}
			l.backend = res.backend
			l.exited = res.backend.Done()
			l.parser = res.parser
			c.awaitPort(ctx, l)

		case <-l.portFound:
			port, _ := l.parser.Port()
			c.stopPortWait(l)
			c.resolvePort(port, PortSourceAnnounced)
			c.startPoll(ctx, l)

		case <-l.portTimeout:
			c.stopPortWait(l)
			c.logger.Warn("no port announcement, falling back to default port",
				"timeout", c.config.AnnounceTimeout,
				"port", c.config.DefaultPort)
			c.resolvePort(c.config.DefaultPort, PortSourceFallback)
			c.startPoll(ctx, l)

		case res := <-l.pollCh:
			l.pollCh = nil
			l.pollCancel()
			if c.onPollResult(l, res) {
				startDone = nil
				continue
			}
			return

		case <-l.exited:
			l.exited = nil
			c.cancelPoll(l)
			c.stopPortWait(l)
			c.fail(l, newFatal(KindCrashed,
				fmt.Errorf("%w with code %d", ErrBackendExited, l.backend.ExitCode())))
			return

		case reply := <-c.shutdownCh:
			err := c.stop(l)
			l.report(ErrStopped)
			reply <- err
			return

		case <-startDone:
			c.logger.Info("startup cancelled", "state", c.State())
			c.stop(l)
			l.report(startCtx.Err())
			return
		}
	}
}

// launch resolves the invocation, provisions secrets and spawns the backend
func (c *Controller) launch(ctx context.Context, out chan<- launchResult) {
	ctx, span := c.tracer.Start(ctx, spanLaunch)
	start := time.Now()

	var res launchResult
	defer func() {
		var err error
		if res.err != nil {
			err = res.err
			span.RecordError(err)
			span.SetStatus(codes.Error, res.err.Kind.String())
		}
		c.metrics.LaunchDuration(time.Since(start), err)
		span.End()
		out <- res
	}()

	var extraArgs []string
	if c.config.PortPolicy == launcher.PortPolicyFixed {
		extraArgs = append(extraArgs, launcher.PortArg(c.config.DefaultPort))
	}

	config, err := bundle.Resolve(c.config.Mode, c.config.Platform, c.config.Layout, extraArgs...)
	if err != nil {
		res.err = newFatal(KindConfiguration, fmt.Errorf("resolve backend: %w", err))
		return
	}
	c.logger.Info("resolved backend invocation",
		"command", config.Command,
		"args", config.Args,
		"dir", config.Dir)

	if c.gate != nil {
		if err := c.gate.Provision(ctx); err != nil {
			res.err = gateFatal(err)
			return
		}
	}

	var lines launcher.LineHandler
	if c.config.PortPolicy == launcher.PortPolicyAnnounce {
		res.parser = launcher.NewPortParser(c.config.AnnouncePrefix)
		lines = res.parser.Feed
	}

	backend, err := c.spawn(ctx, config, lines)
	if err != nil {
		res.err = spawnFatal(err)
		return
	}
	span.SetAttributes(attribute.Int("pid", backend.Pid()))
	res.backend = backend
}

// awaitPort enters AwaitingPort. The parser has been receiving stdout since spawn.
func (c *Controller) awaitPort(ctx context.Context, l *loop) {
	c.transition(StateAwaitingPort)

	if c.config.PortPolicy == launcher.PortPolicyFixed {
		c.resolvePort(c.config.DefaultPort, PortSourceFixed)
		c.startPoll(ctx, l)
		return
	}

	_, l.portSpan = c.tracer.Start(ctx, spanAwaitPort)
	l.portFound = l.parser.Found()
	l.portTimer = time.NewTimer(c.config.AnnounceTimeout)
	l.portTimeout = l.portTimer.C
}

func (c *Controller) stopPortWait(l *loop) {
	l.portFound = nil
	l.portTimeout = nil
	if l.portTimer != nil {
		l.portTimer.Stop()
		l.portTimer = nil
	}
	if l.portSpan != nil {
		l.portSpan.End()
		l.portSpan = nil
	}
}

func (c *Controller) resolvePort(port int, source PortSource) {
	c.mu.Lock()
	c.endpoint = launcher.NewEndpoint(port)
	c.resolved = true
	c.mu.Unlock()

	c.metrics.PortResolved(source)
	c.logger.Info("backend port resolved", "port", port, "source", source)
}

func (c *Controller) startPoll(ctx context.Context, l *loop) {
	c.transition(StatePolling)

	pollCtx, cancel := context.WithCancel(ctx)
	pollCtx, span := c.tracer.Start(pollCtx, spanHealthPoll)
	l.pollCancel = cancel
	l.pollCh = make(chan health.Result, 1)

	endpoint, _ := c.Endpoint()
	go func(out chan<- health.Result, exited <-chan struct{}) {
		res := c.poller.Poll(pollCtx, endpoint.Port, exited)
		span.SetAttributes(
			attribute.Int("port", endpoint.Port),
			attribute.Int("attempts", res.Attempts),
			attribute.String("outcome", res.Outcome.String()))
		span.End()
		out <- res
	}(l.pollCh, l.exited)
}

// cancelPoll aborts a running poll and waits for it to finish
func (c *Controller) cancelPoll(l *loop) {
	if l.pollCh == nil {
		return
	}
	l.pollCancel()
	<-l.pollCh
	l.pollCh = nil
}

// onPollResult handles the end of polling and reports whether the loop
// should keep running.
func (c *Controller) onPollResult(l *loop, res health.Result) bool {
	switch res.Outcome {
	case health.OutcomeHealthy:
		endpoint, _ := c.Endpoint()
		c.transition(StateReady)
		c.metrics.StartupDuration(time.Since(l.startedAt), StateReady)
		l.span.SetAttributes(attribute.String("base_url", endpoint.BaseURL()))
		l.span.End()

		c.logger.Info("backend ready",
			"base_url", endpoint.BaseURL(),
			"pid", l.backend.Pid(),
			"startup", time.Since(l.startedAt).Round(time.Millisecond))
		c.broadcaster.Publish(readiness.Readiness{BaseURL: endpoint.BaseURL(), Ready: true})
		l.report(nil)
		return true

	case health.OutcomeProcessExited:
		<-l.exited
		l.exited = nil
		c.fail(l, newFatal(KindCrashed,
			fmt.Errorf("%w with code %d while waiting for health", ErrBackendExited, l.backend.ExitCode())))
		return false

	case health.OutcomeExhausted:
		err := fmt.Errorf("%w after %d attempts", ErrHealthExhausted, res.Attempts)
		if res.LastErr != nil {
			err = fmt.Errorf("%w after %d attempts: %w", ErrHealthExhausted, res.Attempts, res.LastErr)
		}
		c.fail(l, newFatal(KindHealthExhausted, err))
		return false

	default:
		// Cancelled polls are only started by stop and cancelPoll, which
		// drain the result themselves.
		c.logger.Warn("unexpected poll outcome", "outcome", res.Outcome)
		c.fail(l, newFatal(KindHealthExhausted, res.LastErr))
		return false
	}
}

// fail releases the backend, moves to Failed and shows the error
func (c *Controller) fail(l *loop, fe *FatalError) {
	wasReady := c.State() == StateReady

	c.releaseBackend(l)

	c.mu.Lock()
	c.fatal = fe
	c.mu.Unlock()
	c.transition(StateFailed)

	if wasReady {
		c.broadcaster.Publish(readiness.Readiness{Ready: false})
	} else {
		c.metrics.StartupDuration(time.Since(l.startedAt), StateFailed)
		l.span.RecordError(fe)
		l.span.SetStatus(codes.Error, fe.Kind.String())
		l.span.End()
	}

	c.metrics.FatalError(fe.Kind)
	c.logger.Error("backend supervisor failed",
		"kind", fe.Kind,
		"error", fe.Err)

	if err := c.presenter.Fatal(fe.Title(), fe.Message()); err != nil {
		c.logger.Warn("failed to present fatal error", "error", err)
	}

	l.report(fe)
}

// stop is the shutdown path of the run loop
func (c *Controller) stop(l *loop) error {
	c.cancelPoll(l)
	c.stopPortWait(l)

	if l.launchCh != nil {
		l.launchCancel()
		res := <-l.launchCh
		l.launchCh = nil
		l.backend = res.backend
	}

	wasReady := c.State() == StateReady
	err := c.releaseBackend(l)

	c.transition(StateStopped)
	if wasReady {
		c.broadcaster.Publish(readiness.Readiness{Ready: false})
	} else {
		l.span.SetStatus(codes.Error, "stopped before ready")
		l.span.End()
	}
	return err
}

// releaseBackend detaches listeners and terminates a live backend. The
// handle is cleared so termination happens exactly once.
func (c *Controller) releaseBackend(l *loop) error {
	if l.backend == nil {
		return nil
	}
	backend := l.backend
	l.backend = nil

	backend.DetachAll()

	start := time.Now()
	err := backend.Terminate(c.config.GracePeriod)
	c.metrics.TerminationDuration(time.Since(start))
	if err != nil {
		c.logger.Error("failed to terminate backend", "pid", backend.Pid(), "error", err)
		return err
	}
	return nil
}

// transition moves to next if the state machine allows it
func (c *Controller) transition(next State) bool {
	c.mu.Lock()
	prev := c.state
	if !canTransition(prev, next) {
		c.mu.Unlock()
		c.logger.Warn("ignoring invalid state transition", "from", prev, "to", next)
		return false
	}
	c.state = next
	c.mu.Unlock()

	c.metrics.StateTransition(prev, next)
	c.logger.Debug("state transition", "from", prev, "to", next)
	return true
}

// IsStopped reports whether err means startup was interrupted by shutdown
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
}

// Package health polls the backend's health endpoint with a fixed interval
// and a bounded number of attempts.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultPath           = "/health"
	DefaultInterval       = 500 * time.Millisecond
	DefaultMaxAttempts    = 20
	DefaultRequestTimeout = 2 * time.Second
	DefaultHost           = "localhost"
)

// Outcome is how a poll ended
type Outcome int

const (
	OutcomeHealthy Outcome = iota
	OutcomeExhausted
	OutcomeProcessExited
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeProcessExited:
		return "process_exited"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes a finished poll. Failed attempts are reported only here,
// never as individual errors.
type Result struct {
	Outcome  Outcome
	Attempts int
	LastErr  error
	Elapsed  time.Duration
}

// Healthy reports whether the endpoint answered with a 2xx status
func (r Result) Healthy() bool {
	return r.Outcome == OutcomeHealthy
}

// StatusError is a response outside 200..299
type StatusError struct {
	URL    string
	Status string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("health check at %s returned status %s", e.URL, e.Status)
}

// AttemptHook observes each attempt; err is nil on success
type AttemptHook func(attempt int, err error)

// Poller checks GET http://<host>:<port><path>
type Poller struct {
	client      *http.Client
	host        string
	path        string
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	hooks       []AttemptHook
}

// Option configures a Poller
type Option func(*Poller)

// WithInterval sets the fixed delay between attempts
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithMaxAttempts caps the number of requests
func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		p.maxAttempts = n
	}
}

// WithRequestTimeout bounds a single request
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Poller) {
		p.client.Timeout = d
	}
}

// WithPath sets the health path
func WithPath(path string) Option {
	return func(p *Poller) {
		p.path = path
	}
}

// WithHost overrides the host, mainly for tests binding 127.0.0.1
func WithHost(host string) Option {
	return func(p *Poller) {
		p.host = host
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithAttemptHook registers fn for every attempt
func WithAttemptHook(fn AttemptHook) Option {
	return func(p *Poller) {
		p.hooks = append(p.hooks, fn)
	}
}

// NewPoller creates a poller with the documented defaults:
// 500ms interval, 20 attempts, 2s per request.
func NewPoller(opts ...Option) *Poller {
	p := &Poller{
		client:      &http.Client{Timeout: DefaultRequestTimeout},
		host:        DefaultHost,
		path:        DefaultPath,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return p
}

// URL returns the health URL for port
func (p *Poller) URL(port int) string {
	return "http://" + net.JoinHostPort(p.host, strconv.Itoa(port)) + p.path
}

// Budget is the upper bound on the time spent waiting between attempts
func (p *Poller) Budget() time.Duration {
	return time.Duration(p.maxAttempts-1) * p.interval
}

// Poll checks the endpoint until it answers 2xx, attempts run out, exited
// closes or ctx is cancelled. The first attempt is immediate. A close of
// exited aborts an in-flight request and returns without another attempt.
func (p *Poller) Poll(ctx context.Context, port int, exited <-chan struct{}) Result {
	start := time.Now()
	url := p.URL(port)

	// Request context ends on either cancellation or process exit
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-reqCtx.Done():
		}
	}()

	result := Result{}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for result.Attempts < p.maxAttempts {
		select {
		case <-exited:
			result.Outcome = OutcomeProcessExited
			result.Elapsed = time.Since(start)
			return result
		case <-ctx.Done():
			result.Outcome = OutcomeCancelled
			result.LastErr = ctx.Err()
			result.Elapsed = time.Since(start)
			return result
		case <-timer.C:
		}
		if closed(exited) {
			result.Outcome = OutcomeProcessExited
			result.Elapsed = time.Since(start)
			return result
		}

		result.Attempts++
		err := p.check(reqCtx, url)
		for _, hook := range p.hooks {
			hook(result.Attempts, err)
		}

		if err == nil {
			p.logger.Info("backend healthy", "url", url, "attempt", result.Attempts)
			result.Outcome = OutcomeHealthy
			result.LastErr = nil
			result.Elapsed = time.Since(start)
			return result
		}

		result.LastErr = err
		p.logger.Debug("health check failed",
			"url", url,
			"attempt", result.Attempts,
			"max_attempts", p.maxAttempts,
			"error", err)

		timer.Reset(p.interval)
	}

	// Exit or cancellation during the last request takes precedence
	switch {
	case closed(exited):
		result.Outcome = OutcomeProcessExited
	case ctx.Err() != nil:
		result.Outcome = OutcomeCancelled
	default:
		result.Outcome = OutcomeExhausted
	}
	result.Elapsed = time.Since(start)
	return result
}

// Check performs a single request
func (p *Poller) Check(ctx context.Context, port int) error {
	return p.check(ctx, p.URL(port))
}

func (p *Poller) check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, Status: resp.Status, Code: resp.StatusCode}
	}
	return nil
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// IsStatusError reports whether err is a non-2xx response
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

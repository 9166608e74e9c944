package launcher

import (
	"log/slog"
	"time"
)

// defaultWaitDelay bounds how long Wait keeps copying output after the
// process exited, for grandchildren that inherited the pipes.
const defaultWaitDelay = 2 * time.Second

// Option configures Launch
type Option func(*options)

type options struct {
	logger    *slog.Logger
	sink      LineSink
	handlers  []LineHandler
	waitDelay time.Duration
}

func defaultOptions() *options {
	return &options{
		logger:    slog.Default(),
		waitDelay: defaultWaitDelay,
	}
}

// WithLogger sets the logger for process lifecycle events
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSink copies every output line to sink
func WithSink(sink LineSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithLineHandler subscribes fn before the process starts
func WithLineHandler(fn LineHandler) Option {
	return func(o *options) {
		if fn != nil {
			o.handlers = append(o.handlers, fn)
		}
	}
}

// WithWaitDelay overrides how long output is drained after exit
func WithWaitDelay(d time.Duration) Option {
	return func(o *options) {
		o.waitDelay = d
	}
}

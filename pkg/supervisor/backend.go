package supervisor

import (
	"context"
	"time"

	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/health"
	"github.com/jrepp/deskhost/pkg/launcher"
)

// Backend is the controller's view of the spawned process. *launcher.Process
// implements it.
type Backend interface {
	Pid() int
	Done() <-chan struct{}
	ExitCode() int
	DetachAll()
	Terminate(grace time.Duration) error
}

// Spawner starts the backend. lines, when non-nil, must receive output from
// the first line on.
type Spawner func(ctx context.Context, config bundle.LaunchConfig, lines launcher.LineHandler) (Backend, error)

// SecretGate provisions the backend's plaintext configuration
type SecretGate interface {
	Provision(ctx context.Context) error
}

// Poller waits for the backend to become healthy
type Poller interface {
	Poll(ctx context.Context, port int, exited <-chan struct{}) health.Result
}

// LauncherSpawner spawns real processes with launcher.Launch
func LauncherSpawner(opts ...launcher.Option) Spawner {
	return func(ctx context.Context, config bundle.LaunchConfig, lines launcher.LineHandler) (Backend, error) {
		all := append([]launcher.Option{launcher.WithLineHandler(lines)}, opts...)
		proc, err := launcher.Launch(ctx, config, all...)
		if err != nil {
			return nil, err
		}
		return proc, nil
	}
}

var _ Backend = (*launcher.Process)(nil)

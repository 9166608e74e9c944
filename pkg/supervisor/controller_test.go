package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/deskhost/pkg/alert"
	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/health"
	"github.com/jrepp/deskhost/pkg/launcher"
	"github.com/jrepp/deskhost/pkg/readiness"
	"github.com/jrepp/deskhost/pkg/secretgate"
)

// fakeBackend stands in for a spawned process
type fakeBackend struct {
	pid          int
	done         chan struct{}
	exitOnce     sync.Once
	exitCode     atomic.Int32
	terminations atomic.Int32
	detached     atomic.Bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pid: 4242, done: make(chan struct{})}
}

func (b *fakeBackend) Pid() int              { return b.pid }
func (b *fakeBackend) Done() <-chan struct{} { return b.done }
func (b *fakeBackend) ExitCode() int         { return int(b.exitCode.Load()) }
func (b *fakeBackend) DetachAll()            { b.detached.Store(true) }

func (b *fakeBackend) exit(code int) {
	b.exitOnce.Do(func() {
		b.exitCode.Store(int32(code))
		close(b.done)
	})
}

func (b *fakeBackend) Terminate(time.Duration) error {
	b.terminations.Add(1)
	b.exit(-1)
	return nil
}

// fakeSpawner records spawn calls and optionally prints lines on stdout
type fakeSpawner struct {
	mu      sync.Mutex
	calls   []bundle.LaunchConfig
	backend *fakeBackend
	lines   []string
	err     error
}

func (s *fakeSpawner) spawn(_ context.Context, config bundle.LaunchConfig, lines launcher.LineHandler) (Backend, error) {
	s.mu.Lock()
	s.calls = append(s.calls, config)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if lines != nil {
		for _, line := range s.lines {
			lines(launcher.StreamStdout, line)
		}
	}
	return s.backend, nil
}

func (s *fakeSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type pollerFunc func(ctx context.Context, port int, exited <-chan struct{}) health.Result

func (f pollerFunc) Poll(ctx context.Context, port int, exited <-chan struct{}) health.Result {
	return f(ctx, port, exited)
}

func healthyPoller(ports chan<- int) Poller {
	return pollerFunc(func(_ context.Context, port int, _ <-chan struct{}) health.Result {
		if ports != nil {
			ports <- port
		}
		return health.Result{Outcome: health.OutcomeHealthy, Attempts: 1}
	})
}

// blockingPoller waits for cancellation or exit, like a poll against a hung backend
func blockingPoller() Poller {
	return pollerFunc(func(ctx context.Context, _ int, exited <-chan struct{}) health.Result {
		select {
		case <-ctx.Done():
			return health.Result{Outcome: health.OutcomeCancelled, LastErr: ctx.Err()}
		case <-exited:
			return health.Result{Outcome: health.OutcomeProcessExited}
		}
	})
}

// recordingMetrics captures transitions and fatal kinds
type recordingMetrics struct {
	MetricsCollector
	mu          sync.Mutex
	transitions []State
	sources     []PortSource
	fatals      []FatalKind
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{MetricsCollector: NewNoopMetricsCollector()}
}

func (m *recordingMetrics) StateTransition(_, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, to)
}

func (m *recordingMetrics) PortResolved(source PortSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
}

func (m *recordingMetrics) FatalError(kind FatalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatals = append(m.fatals, kind)
}

func (m *recordingMetrics) states() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.transitions...)
}

// recordingPresenter captures fatal errors shown to the user
type recordingPresenter struct {
	mu     sync.Mutex
	titles []string
}

func (p *recordingPresenter) Fatal(title, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.titles = append(p.titles, title)
	return nil
}

func (p *recordingPresenter) shown() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.titles...)
}

var _ alert.Presenter = (*recordingPresenter)(nil)

func testConfig(t *testing.T) Config {
	t.Helper()
	platform, err := bundle.PlatformFromGOOS(runtime.GOOS)
	require.NoError(t, err)
	return Config{
		Mode:            bundle.ModeProduction,
		Platform:        platform,
		Layout:          bundle.Layout{ResourcesDir: t.TempDir()},
		AnnounceTimeout: time.Minute,
		GracePeriod:     time.Second,
	}
}

func requireFatal(t *testing.T, err error, kind FatalKind) *FatalError {
	t.Helper()
	fe, ok := AsFatal(err)
	require.True(t, ok, "expected *FatalError, got %v", err)
	assert.Equal(t, kind, fe.Kind)
	return fe
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not finish")
	}
}

// helperLayout points the production layout at this test binary
func helperLayout(t *testing.T, mode string) bundle.Layout {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	binDir := filepath.Dir(exe)
	return bundle.Layout{
		ResourcesDir: filepath.Dir(binDir),
		Files: bundle.Files{
			BackendDir: filepath.Base(binDir),
			Executable: filepath.Base(exe),
		},
		Env: map[string]string{helperEnv: mode},
	}
}

func TestController_HappyPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper backend relies on SIGTERM")
	}
	config := testConfig(t)
	config.Layout = helperLayout(t, "serve")

	metrics := newRecordingMetrics()
	c := New(config,
		WithPoller(health.NewPoller(
			health.WithHost("127.0.0.1"),
			health.WithInterval(50*time.Millisecond))),
		WithMetricsCollector(metrics))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateReady, c.State())

	endpoint, ok := c.Endpoint()
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d", endpoint.Port), endpoint.BaseURL())

	latest, ok := c.Readiness().Latest()
	require.True(t, ok)
	assert.Equal(t, readiness.Readiness{BaseURL: endpoint.BaseURL(), Ready: true}, latest)

	require.NoError(t, c.Shutdown(context.Background()))
	waitDone(t, c)
	assert.Equal(t, StateStopped, c.State())

	latest, _ = c.Readiness().Latest()
	assert.False(t, latest.Ready)

	assert.Equal(t,
		[]State{StateLaunching, StateAwaitingPort, StatePolling, StateReady, StateStopped},
		metrics.states())
	assert.Equal(t, []PortSource{PortSourceAnnounced}, metrics.sources)
}

func TestController_AnnouncedPortReachesPoller(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{
		backend: backend,
		lines:   []string{"Backend started on port 9321", "Backend started on port 7000"},
	}
	ports := make(chan int, 1)
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(healthyPoller(ports)))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 9321, <-ports)

	latest, ok := c.Readiness().Latest()
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9321", latest.BaseURL)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_MissingExecutable(t *testing.T) {
	presenter := &recordingPresenter{}
	metrics := newRecordingMetrics()
	c := New(testConfig(t),
		WithPresenter(presenter),
		WithMetricsCollector(metrics),
		WithPoller(blockingPoller()))

	err := c.Start(context.Background())
	fe := requireFatal(t, err, KindExecutableMissing)
	assert.True(t, launcher.IsErrorCode(fe, launcher.ErrorCodeExecutableNotFound))

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, []State{StateLaunching, StateFailed}, metrics.states())
	assert.Equal(t, []string{"Backend not found"}, presenter.shown())
	waitDone(t, c)

	_, resolved := c.Endpoint()
	assert.False(t, resolved)
	_, published := c.Readiness().Latest()
	assert.False(t, published)
}

func TestController_DecryptFailure(t *testing.T) {
	dir := t.TempDir()
	envelope, err := secretgate.Seal("the right key", []byte("API_TOKEN=abc\n"), nil)
	require.NoError(t, err)
	ciphertext := filepath.Join(dir, ".env.enc")
	require.NoError(t, os.WriteFile(ciphertext, envelope, 0644))
	plaintext := filepath.Join(dir, ".env")

	gate := secretgate.New(secretgate.Config{
		CiphertextPath: ciphertext,
		PlaintextPath:  plaintext,
	}, secretgate.WithLookupEnv(func(string) (string, bool) { return "the wrong key", true }))

	spawner := &fakeSpawner{backend: newFakeBackend()}
	presenter := &recordingPresenter{}
	c := New(testConfig(t),
		WithSecretGate(gate),
		WithSpawner(spawner.spawn),
		WithPresenter(presenter))

	err = c.Start(context.Background())
	fe := requireFatal(t, err, KindDecryptIntegrity)
	assert.ErrorIs(t, fe, secretgate.ErrIntegrity)

	assert.Equal(t, 0, spawner.callCount())
	assert.NoFileExists(t, plaintext)
	assert.Equal(t, []string{"Configuration could not be decrypted"}, presenter.shown())
}

func TestController_SecretKeyMissing(t *testing.T) {
	gate := secretgate.New(secretgate.Config{
		CiphertextPath: filepath.Join(t.TempDir(), ".env.enc"),
		PlaintextPath:  filepath.Join(t.TempDir(), ".env"),
	}, secretgate.WithLookupEnv(func(string) (string, bool) { return "", false }))

	spawner := &fakeSpawner{backend: newFakeBackend()}
	c := New(testConfig(t), WithSecretGate(gate), WithSpawner(spawner.spawn))

	requireFatal(t, c.Start(context.Background()), KindSecretMissing)
	assert.Equal(t, 0, spawner.callCount())
}

func TestController_SpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: launcher.ErrProcessStartFailed("/opt/app/backend/app", errors.New("exec format error"))}
	c := New(testConfig(t), WithSpawner(spawner.spawn))

	requireFatal(t, c.Start(context.Background()), KindSpawn)
	assert.Equal(t, StateFailed, c.State())
}

func TestController_UnsupportedPlatform(t *testing.T) {
	config := testConfig(t)
	config.Platform = "plan9"
	spawner := &fakeSpawner{backend: newFakeBackend()}
	c := New(config, WithSpawner(spawner.spawn))

	fe := requireFatal(t, c.Start(context.Background()), KindConfiguration)
	assert.ErrorIs(t, fe, bundle.ErrUnsupportedPlatform)
	assert.Equal(t, 0, spawner.callCount())
}

func TestController_CrashWhilePolling(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend, lines: []string{"Backend started on port 9321"}}
	presenter := &recordingPresenter{}

	polling := make(chan struct{})
	poller := pollerFunc(func(ctx context.Context, port int, exited <-chan struct{}) health.Result {
		close(polling)
		return blockingPoller().Poll(ctx, port, exited)
	})

	c := New(testConfig(t),
		WithSpawner(spawner.spawn),
		WithPoller(poller),
		WithPresenter(presenter))

	go func() {
		<-polling
		backend.exit(1)
	}()

	fe := requireFatal(t, c.Start(context.Background()), KindCrashed)
	assert.ErrorIs(t, fe, ErrBackendExited)
	assert.Contains(t, fe.Error(), "code 1")
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, []string{"Backend stopped unexpectedly"}, presenter.shown())

	// the handle is released once even though the process had already exited
	assert.Equal(t, int32(1), backend.terminations.Load())
	_, published := c.Readiness().Latest()
	assert.False(t, published)
}

func TestController_CrashBeforeAnnouncement(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend}
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(blockingPoller()))

	time.AfterFunc(50*time.Millisecond, func() { backend.exit(2) })

	requireFatal(t, c.Start(context.Background()), KindCrashed)
	_, resolved := c.Endpoint()
	assert.False(t, resolved)
}

func TestController_HealthExhausted(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend, lines: []string{"Backend started on port 9321"}}
	poller := pollerFunc(func(context.Context, int, <-chan struct{}) health.Result {
		return health.Result{
			Outcome:  health.OutcomeExhausted,
			Attempts: 20,
			LastErr:  &health.StatusError{URL: "http://localhost:9321/health", Status: "503 Service Unavailable", Code: 503},
		}
	})
	presenter := &recordingPresenter{}

	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(poller), WithPresenter(presenter))

	fe := requireFatal(t, c.Start(context.Background()), KindHealthExhausted)
	assert.ErrorIs(t, fe, ErrHealthExhausted)
	assert.True(t, health.IsStatusError(fe))
	assert.Equal(t, int32(1), backend.terminations.Load())
	assert.True(t, backend.detached.Load())
	assert.Equal(t, []string{"Backend did not become ready"}, presenter.shown())
}

func TestController_ShutdownTerminatesOnce(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend, lines: []string{"Backend started on port 9321"}}
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(healthyPoller(nil)))

	require.NoError(t, c.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.terminations.Load())
	assert.True(t, backend.detached.Load())
	assert.Equal(t, StateStopped, c.State())
	waitDone(t, c)
}

func TestController_ShutdownWhileAwaitingPort(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend}
	metrics := newRecordingMetrics()
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithMetricsCollector(metrics))

	result := make(chan error, 1)
	go func() { result <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateAwaitingPort
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.ErrorIs(t, <-result, ErrStopped)
	assert.Equal(t, int32(1), backend.terminations.Load())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateLaunching, StateAwaitingPort, StateStopped}, metrics.states())
}

func TestController_ShutdownCancelsPoll(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend, lines: []string{"Backend started on port 9321"}}

	var cancelled atomic.Bool
	poller := pollerFunc(func(ctx context.Context, port int, exited <-chan struct{}) health.Result {
		res := blockingPoller().Poll(ctx, port, exited)
		// the poll must end before the handle is released
		cancelled.Store(res.Outcome == health.OutcomeCancelled && backend.terminations.Load() == 0)
		return res
	})
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(poller))

	result := make(chan error, 1)
	go func() { result <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return c.State() == StatePolling
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.ErrorIs(t, <-result, ErrStopped)
	assert.True(t, cancelled.Load())
	assert.Equal(t, int32(1), backend.terminations.Load())
}

func TestController_StartContextCancelled(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend}
	c := New(testConfig(t), WithSpawner(spawner.spawn))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Start(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, int32(1), backend.terminations.Load())
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestController_FixedPortPolicy(t *testing.T) {
	backend := newFakeBackend()
	// announcements are ignored under the fixed policy
	spawner := &fakeSpawner{backend: backend, lines: []string{"Backend started on port 9999"}}
	ports := make(chan int, 1)
	metrics := newRecordingMetrics()

	config := testConfig(t)
	config.PortPolicy = launcher.PortPolicyFixed
	config.DefaultPort = 8123
	c := New(config, WithSpawner(spawner.spawn), WithPoller(healthyPoller(ports)), WithMetricsCollector(metrics))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 8123, <-ports)
	require.Len(t, spawner.calls, 1)
	assert.Contains(t, spawner.calls[0].Args, "--port=8123")
	assert.Equal(t, []PortSource{PortSourceFixed}, metrics.sources)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_AnnouncePolicyPassesNoPortHint(t *testing.T) {
	spawner := &fakeSpawner{backend: newFakeBackend(), lines: []string{"Backend started on port 9321"}}
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(healthyPoller(nil)))

	require.NoError(t, c.Start(context.Background()))
	require.Len(t, spawner.calls, 1)
	for _, arg := range spawner.calls[0].Args {
		assert.NotContains(t, arg, "--port")
	}
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_PortFallback(t *testing.T) {
	spawner := &fakeSpawner{backend: newFakeBackend(), lines: []string{"Serving Flask app"}}
	ports := make(chan int, 1)
	metrics := newRecordingMetrics()

	config := testConfig(t)
	config.AnnounceTimeout = 50 * time.Millisecond
	c := New(config, WithSpawner(spawner.spawn), WithPoller(healthyPoller(ports)), WithMetricsCollector(metrics))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, DefaultPort, <-ports)
	assert.Equal(t, []PortSource{PortSourceFallback}, metrics.sources)

	latest, _ := c.Readiness().Latest()
	assert.Equal(t, "http://localhost:5001", latest.BaseURL)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_CrashAfterReady(t *testing.T) {
	backend := newFakeBackend()
	spawner := &fakeSpawner{backend: backend, lines: []string{"Backend started on port 9321"}}
	presenter := &recordingPresenter{}
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(healthyPoller(nil)), WithPresenter(presenter))

	var mu sync.Mutex
	var updates []readiness.Readiness
	c.Readiness().Subscribe(readiness.SurfaceFunc(func(r readiness.Readiness) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, r)
	}))

	require.NoError(t, c.Start(context.Background()))
	backend.exit(137)
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	fe := c.Fatal()
	require.NotNil(t, fe)
	assert.Equal(t, KindCrashed, fe.Kind)
	assert.Equal(t, []string{"Backend stopped unexpectedly"}, presenter.shown())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.True(t, updates[0].Ready)
	assert.False(t, updates[1].Ready)

	// nothing left to stop
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestController_LateSurfaceGetsReadiness(t *testing.T) {
	spawner := &fakeSpawner{backend: newFakeBackend(), lines: []string{"Backend started on port 9321"}}
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(healthyPoller(nil)))
	require.NoError(t, c.Start(context.Background()))

	var got readiness.Readiness
	c.Readiness().Subscribe(readiness.SurfaceFunc(func(r readiness.Readiness) { got = r }))
	assert.Equal(t, readiness.Readiness{BaseURL: "http://localhost:9321", Ready: true}, got)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_StartTwice(t *testing.T) {
	spawner := &fakeSpawner{backend: newFakeBackend(), lines: []string{"Backend started on port 9321"}}
	c := New(testConfig(t), WithSpawner(spawner.spawn), WithPoller(healthyPoller(nil)))

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, spawner.callCount())
}

func TestController_ShutdownBeforeStart(t *testing.T) {
	spawner := &fakeSpawner{backend: newFakeBackend()}
	c := New(testConfig(t), WithSpawner(spawner.spawn))

	require.NoError(t, c.Shutdown(context.Background()))
	waitDone(t, c)
	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
	assert.Equal(t, 0, spawner.callCount())
}

func TestFatalError_Messages(t *testing.T) {
	kinds := []FatalKind{
		KindConfiguration, KindSecretMissing, KindDecryptIntegrity,
		KindExecutableMissing, KindSpawn, KindCrashed, KindHealthExhausted,
	}

	titles := map[string]bool{}
	for _, kind := range kinds {
		fe := newFatal(kind, errors.New("detail"))
		assert.NotEmpty(t, fe.Message())
		assert.Contains(t, fe.Message(), "detail")
		titles[fe.Title()] = true
	}
	assert.Len(t, titles, len(kinds), "every kind has its own title")
}

func TestGateFatal(t *testing.T) {
	assert.Equal(t, KindSecretMissing, gateFatal(secretgate.ErrSecretKeyMissing).Kind)
	assert.Equal(t, KindDecryptIntegrity, gateFatal(secretgate.ErrIntegrity).Kind)
	assert.Equal(t, KindDecryptIntegrity, gateFatal(secretgate.ErrMalformedEnvelope).Kind)
	assert.Equal(t, KindConfiguration, gateFatal(secretgate.ErrCiphertextMissing).Kind)
}

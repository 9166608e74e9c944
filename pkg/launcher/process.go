package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/jrepp/deskhost/pkg/bundle"
)

// Stream names an output stream of the backend process
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// maxLineSize bounds a single output line; longer lines end the scan of that
// stream and the remainder is discarded.
const maxLineSize = 1 << 20

// killWait bounds how long Terminate waits for the exit event after SIGKILL
const killWait = 5 * time.Second

// LineHandler receives each output line. Handlers run on the stream reader
// goroutine and must not block.
type LineHandler func(stream Stream, line string)

// LineSink persists output lines (see logsink.Sink)
type LineSink interface {
	WriteLine(stream, line string) error
}

// Subscription detaches a LineHandler when cancelled
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel detaches the handler. A line already being dispatched may still be
// delivered once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type subscriber struct {
	id uint64
	fn LineHandler
}

// Process is the handle of one spawned backend process
type Process struct {
	config bundle.LaunchConfig
	cmd    *exec.Cmd
	logger *slog.Logger
	sink   LineSink

	mu          sync.Mutex
	subscribers []subscriber
	nextID      uint64

	group     *processGroup
	done      chan struct{}
	exitCode  int
	waitErr   error
	startedAt time.Time

	terminateOnce sync.Once
	terminateErr  error
}

// Launch verifies the resolved command exists and starts it in its own
// process group. Output lines are delivered to handlers registered with
// WithLineHandler from the first byte, so no early line can be missed.
// Launch does not wait for the process to do anything beyond starting.
func Launch(ctx context.Context, config bundle.LaunchConfig, opts ...Option) (*Process, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	command, err := verifyCommand(config)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command, config.Args...)
	cmd.Dir = config.Dir
	cmd.Env = append(os.Environ(), config.Env...)
	cmd.WaitDelay = o.waitDelay
	setProcessGroup(cmd)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := &Process{
		config: config,
		cmd:    cmd,
		logger: o.logger,
		sink:   o.sink,
		done:   make(chan struct{}),
	}
	for _, fn := range o.handlers {
		p.Subscribe(fn)
	}

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, ErrProcessStartFailed(config.String(), err)
	}
	p.startedAt = time.Now()

	group, err := attachGroup(cmd)
	if err != nil {
		p.logger.Warn("backend process tree is not contained, falling back to direct kill",
			"pid", cmd.Process.Pid,
			"error", err)
	}
	p.group = group

	p.logger.Info("backend process started",
		"pid", cmd.Process.Pid,
		"command", config.String(),
		"dir", config.Dir)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readStream(&readers, StreamStdout, stdoutR)
	go p.readStream(&readers, StreamStderr, stderrR)

	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		readers.Wait()

		// Closing the group takes down descendants the backend left behind
		p.group.release()

		p.waitErr = err
		p.exitCode = cmd.ProcessState.ExitCode()
		p.logger.Info("backend process exited",
			"pid", cmd.Process.Pid,
			"exit_code", p.exitCode,
			"uptime", time.Since(p.startedAt).Round(time.Millisecond))
		close(p.done)
	}()

	return p, nil
}

// verifyCommand checks the command (and script, when interpreted) before any
// spawn is attempted, returning the absolute command path.
func verifyCommand(config bundle.LaunchConfig) (string, error) {
	command := config.Command
	if command == "" {
		return "", ErrExecutableNotFound(command, errors.New("empty command"))
	}

	if !filepath.IsAbs(command) {
		resolved, err := exec.LookPath(command)
		if err != nil {
			return "", ErrExecutableNotFound(command, err)
		}
		command = resolved
	}

	info, err := os.Stat(command)
	if err != nil {
		return "", ErrExecutableNotFound(command, err)
	}
	if info.IsDir() || !isRunnable(info) {
		return "", ErrExecutableNotRunnable(command)
	}

	if config.Interpreted() {
		if _, err := os.Stat(config.Script); err != nil {
			return "", ErrScriptNotFound(config.Script, err)
		}
	}

	return command, nil
}

func isRunnable(info os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}

func (p *Process) readStream(wg *sync.WaitGroup, stream Stream, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.dispatch(stream, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("backend output reader stopped",
			"stream", stream,
			"error", err)
		// Keep the pipe drained so the child never blocks on a full buffer
		io.Copy(io.Discard, r)
	}
}

func (p *Process) dispatch(stream Stream, line string) {
	if p.sink != nil {
		if err := p.sink.WriteLine(string(stream), line); err != nil && !errors.Is(err, os.ErrClosed) {
			p.logger.Debug("backend log write failed", "error", err)
		}
	}

	p.mu.Lock()
	subs := make([]subscriber, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, s := range subs {
		s.fn(stream, line)
	}
}

// Subscribe registers fn for every subsequent output line
func (p *Process) Subscribe(fn LineHandler) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.subscribers = append(p.subscribers, subscriber{id: id, fn: fn})

	return &Subscription{cancel: func() { p.unsubscribe(id) }}
}

func (p *Process) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.subscribers {
		if s.id == id {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			return
		}
	}
}

// DetachAll removes every line subscriber. The log sink stays attached.
func (p *Process) DetachAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = nil
}

// Pid returns the operating system process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Config returns the invocation the process was started with
func (p *Process) Config() bundle.LaunchConfig {
	return p.config
}

// Done is closed after the process exited and both output streams drained
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 if the process was killed by a
// signal or has not exited yet.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Err returns the error reported by Wait once the process exited
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Exited reports whether the exit event has fired
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process group to stop, waits up to grace for the exit
// event, then kills the group. It returns after the exit event. Only the
// first call signals; later calls return the first result.
func (p *Process) Terminate(grace time.Duration) error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate(grace)
	})
	return p.terminateErr
}

func (p *Process) terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	pid := p.Pid()
	p.logger.Info("terminating backend process", "pid", pid, "grace_period", grace)

	if err := interruptGroup(p.cmd, p.group); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("graceful stop signal failed", "pid", pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Info("backend process exited gracefully", "pid", pid)
		return nil
	case <-timer.C:
	}

	p.logger.Warn("backend process did not exit within grace period, force killing", "pid", pid)
	if err := killGroup(p.cmd, p.group); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ErrTerminationFailed(pid, fmt.Errorf("force kill: %w", err))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return ErrTerminationFailed(pid, errors.New("process did not exit after kill"))
	}
}

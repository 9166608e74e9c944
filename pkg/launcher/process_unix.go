//go:build !windows

package launcher

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// processGroup needs no state on unix: the child leads its own group
type processGroup struct{}

// setProcessGroup starts the child as leader of a new process group so a
// signal reaches the interpreter and anything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func attachGroup(*exec.Cmd) (*processGroup, error) {
	return &processGroup{}, nil
}

func (g *processGroup) release() {}

func interruptGroup(cmd *exec.Cmd, _ *processGroup) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd, _ *processGroup) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

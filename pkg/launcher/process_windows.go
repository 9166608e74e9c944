//go:build windows

package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// processGroup is a job object holding the backend and everything it starts.
// venv\Scripts\python.exe and PyInstaller bootloaders both re-launch the real
// program as a child, so killing the direct child is not enough.
type processGroup struct {
	mu  sync.Mutex
	job windows.Handle
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// attachGroup assigns the started process to a new kill-on-close job.
// Descendants created after assignment inherit the job.
func attachGroup(cmd *exec.Cmd) (*processGroup, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return &processGroup{}, fmt.Errorf("create job object: %w", err)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info))); err != nil {
		windows.CloseHandle(job)
		return &processGroup{}, fmt.Errorf("configure job object: %w", err)
	}

	proc, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
	if err != nil {
		windows.CloseHandle(job)
		return &processGroup{}, fmt.Errorf("open process %d: %w", cmd.Process.Pid, err)
	}
	defer windows.CloseHandle(proc)

	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		windows.CloseHandle(job)
		return &processGroup{}, fmt.Errorf("assign process %d to job: %w", cmd.Process.Pid, err)
	}
	return &processGroup{job: job}, nil
}

// release closes the job, which kills any descendant still running
func (g *processGroup) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.job != 0 {
		windows.CloseHandle(g.job)
		g.job = 0
	}
}

// interruptGroup asks the process tree to close. Console backends usually
// ignore the request, and the grace period then ends in killGroup.
func interruptGroup(cmd *exec.Cmd, _ *processGroup) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
}

func killGroup(cmd *exec.Cmd, g *processGroup) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}

	g.mu.Lock()
	job := g.job
	g.mu.Unlock()

	if job != 0 {
		if err := windows.TerminateJobObject(job, 1); err == nil {
			return nil
		}
	}
	// No job (assignment failed): take down the tree by parentage
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run(); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}

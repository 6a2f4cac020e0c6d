package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// ExitStatus is the terminal state of one adaptor child process.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle tracks one launched adaptor child.
type Handle struct {
	PID int
	// Done receives exactly one ExitStatus when the child exits.
	Done <-chan ExitStatus
}

// Launcher spawns the adaptor child process for a job.
type Launcher interface {
	Launch(job *types.Job) (*Handle, error)
}

// ExecLauncher launches the server's own binary in run-adaptor mode as a
// detached child. The new session keeps the adaptor (and its sentinel
// heartbeat) alive across server restarts.
type ExecLauncher struct {
	layout workspace.Layout
}

// NewExecLauncher returns a launcher rooted at the workspace.
func NewExecLauncher(layout workspace.Layout) *ExecLauncher {
	return &ExecLauncher{layout: layout}
}

// Launch starts the run-adaptor child for job.
func (l *ExecLauncher) Launch(job *types.Job) (*Handle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server executable: %w", err)
	}

	engine := job.Engine
	if engine == "" {
		engine = "claude"
	}

	args := []string{
		"run-adaptor",
		"--workspace", l.layout.Root,
		"--job-id", job.ID,
		"--session-id", job.SessionID,
		"--engine", engine,
	}
	if len(job.Args) > 0 {
		args = append(args, "--")
		args = append(args, job.Args...)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start adaptor for job %s: %w", job.ID, err)
	}

	done := make(chan ExitStatus, 1)
	go func() {
		err := cmd.Wait()
		if err == nil {
			done <- ExitStatus{Code: 0}
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			done <- ExitStatus{Code: exitErr.ExitCode()}
			return
		}
		done <- ExitStatus{Code: -1, Err: err}
	}()

	return &Handle{PID: cmd.Process.Pid, Done: done}, nil
}

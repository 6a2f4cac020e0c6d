package adaptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// Spec describes one adaptor run inside a job workspace.
type Spec struct {
	JobID     string
	SessionID string
	Engine    string
	Args      []string
	// WorkDir is the engine's working directory; empty means the job
	// workspace directory.
	WorkDir string
	// Stdout and Stderr receive the live half of the duplexed output.
	// Nil defaults to the process's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes one adaptor to completion: first heartbeat before the engine
// starts, heartbeats every 30 s while it runs, and all engine output
// duplexed to the output file with a flush per write. The returned exit
// code is the engine's; -1 means the engine never ran.
func Run(ctx context.Context, layout workspace.Layout, spec Spec) (int, error) {
	engine, ok := Lookup(spec.Engine)
	if !ok {
		return -1, fmt.Errorf("unknown adaptor engine %q (supported: %v)", spec.Engine, Names())
	}

	writer, err := sentinel.NewWriter(layout, spec.JobID, spec.SessionID, engine.Name)
	if err != nil {
		return -1, err
	}
	writer.Start()
	defer writer.Stop()

	stdout := spec.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := spec.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	workDir := spec.WorkDir
	if workDir == "" {
		workDir = layout.JobDir(spec.JobID)
	}

	args := append(append([]string{}, engine.BaseArgs...), spec.Args...)
	cmd := exec.CommandContext(ctx, engine.Binary, args...)
	cmd.Dir = workDir
	cmd.Stdout = io.MultiWriter(stdout, writer)
	cmd.Stderr = io.MultiWriter(stderr, writer)

	log.WithJobID(spec.JobID).Info().
		Str("engine", engine.Name).
		Str("session_id", spec.SessionID).
		Msg("starting adaptor engine")

	err = cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return -1, fmt.Errorf("failed to run adaptor engine %s: %w", engine.Name, err)
		}
	}

	writeContext(layout, spec, engine.Name, code)
	return code, nil
}

// writeContext records the session's context document. Losing it costs
// nothing but history, so failures only warn.
func writeContext(layout workspace.Layout, spec Spec, engine string, code int) {
	if err := os.MkdirAll(layout.ContextRepositoryDir(), 0o755); err != nil {
		log.WithJobID(spec.JobID).Warn().Err(err).Msg("failed to create context directory")
		return
	}
	doc := fmt.Sprintf("# Session %s\n\n- job: %s\n- engine: %s\n- finished: %s\n- exit: %d\n",
		spec.SessionID, spec.JobID, engine, time.Now().UTC().Format(time.RFC3339), code)
	if err := atomicfile.WriteString(layout.ContextFile(spec.SessionID), doc); err != nil {
		log.WithJobID(spec.JobID).Warn().Err(err).Msg("failed to write session context")
	}
}

package sentinel

import (
	"fmt"
	"os"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

const (
	// HeartbeatInterval is how often a running adaptor refreshes its sentinel.
	HeartbeatInterval = 30 * time.Second
	// StaleAge is the heartbeat age at which a job becomes stale. Exactly
	// StaleAge is stale (inclusive).
	StaleAge = 2 * time.Minute
	// DeadAge is the heartbeat age at which a job is presumed dead. Exactly
	// DeadAge is dead (inclusive).
	DeadAge = 10 * time.Minute
)

// Writer maintains the sentinel heartbeat and the duplexed output file for
// one job. It runs inside the adaptor child process so heartbeats survive
// server restarts.
type Writer struct {
	layout    workspace.Layout
	jobID     string
	sessionID string
	engine    string
	host      string
	pid       int

	out    *os.File
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriter creates the job directory, opens the output file in append mode,
// and writes the first heartbeat.
func NewWriter(layout workspace.Layout, jobID, sessionID, engine string) (*Writer, error) {
	if err := os.MkdirAll(layout.JobDir(jobID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory for %s: %w", jobID, err)
	}

	out, err := os.OpenFile(layout.OutputFile(jobID, sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file for %s: %w", jobID, err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	w := &Writer{
		layout:    layout,
		jobID:     jobID,
		sessionID: sessionID,
		engine:    engine,
		host:      host,
		pid:       os.Getpid(),
		out:       out,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if err := w.writeSentinel(); err != nil {
		out.Close()
		return nil, err
	}
	return w, nil
}

// Start runs the heartbeat loop.
func (w *Writer) Start() {
	go w.heartbeatLoop()
}

// Stop halts the heartbeat loop and closes the output file. The sentinel
// file is left in place for the monitor to classify.
func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.out.Close()
}

func (w *Writer) heartbeatLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.writeSentinel(); err != nil {
				log.WithJobID(w.jobID).Warn().Err(err).Msg("failed to update sentinel heartbeat")
			}
		case <-w.stopCh:
			return
		}
	}
}

// writeSentinel refreshes the heartbeat. Rewriting the same PID and job id
// with a newer timestamp is idempotent.
func (w *Writer) writeSentinel() error {
	s := types.Sentinel{
		JobID:         w.jobID,
		PID:           w.pid,
		Engine:        w.engine,
		Host:          w.host,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := atomicfile.WriteJSON(w.layout.SentinelFile(w.jobID), s); err != nil {
		return fmt.Errorf("failed to write sentinel for %s: %w", w.jobID, err)
	}
	return nil
}

// Write appends to the output file and flushes immediately, satisfying
// io.Writer so engine output can be duplexed here and to stdout.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.out.Sync(); err != nil {
		return n, err
	}
	return n, nil
}

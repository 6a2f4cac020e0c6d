package server

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/config"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestRecoverRunsAllPhases(t *testing.T) {
	metrics.Reset()
	s, err := New(testConfig(t))
	require.NoError(t, err)
	defer s.queue.Close()

	report, err := s.recover(context.Background())
	require.NoError(t, err)

	var names []string
	for _, op := range report.Operations {
		names = append(names, op.Phase)
		assert.NotEqual(t, types.PhaseStatusFailed, op.Status, op.Phase)
	}
	assert.Equal(t, []string{"Queue", "Locks", "Jobs", "WaitingQueues", "Orphans", "Callbacks", "Batches"}, names)
	assert.False(t, report.DegradedMode)

	// Clean startup leaves no marker behind and persists the report.
	_, err = os.Stat(s.layout.StartupMarker())
	assert.True(t, os.IsNotExist(err))
	latest, ok := s.logStore.Latest()
	require.True(t, ok)
	assert.Equal(t, report.StartupID, latest.StartupID)
}

func TestRecoverFailsDeadRunningJob(t *testing.T) {
	metrics.Reset()
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)

	_, err = s.queue.Enqueue(&types.Job{ID: "j1", Repository: "repoA", SessionID: "sess"})
	require.NoError(t, err)
	require.NoError(t, s.queue.UpdateStatus("j1", types.JobStatusRunning))
	require.NoError(t, os.MkdirAll(s.layout.JobDir("j1"), 0755))
	require.NoError(t, atomicfile.WriteJSON(s.layout.SentinelFile("j1"), types.Sentinel{
		JobID: "j1", PID: 0, Engine: "claude", Host: "test",
	}))
	require.NoError(t, s.queue.Close())

	// A new server over the same workspace replays the WAL and fails the
	// job whose adaptor died.
	s2, err := New(cfg)
	require.NoError(t, err)
	defer s2.queue.Close()

	report, err := s2.recover(context.Background())
	require.NoError(t, err)

	job, ok := s2.queue.Get("j1")
	require.True(t, ok)
	assert.Equal(t, types.JobStatusFailed, job.Status)

	for _, op := range report.Operations {
		if op.Phase == "Jobs" {
			assert.Equal(t, 1, op.Counts["jobs_failed"])
		}
	}
}

func TestRecoverRequeuesStrandedBatchMembers(t *testing.T) {
	metrics.Reset()
	s, err := New(testConfig(t))
	require.NoError(t, err)
	defer s.queue.Close()

	// The leader finished in a previous life; the member is stuck waiting.
	leader, err := s.batches.Join("b1", "repoA", "j-leader")
	require.NoError(t, err)
	require.True(t, leader)
	_, err = s.batches.Join("b1", "repoA", "j-member")
	require.NoError(t, err)

	_, err = s.queue.Enqueue(&types.Job{ID: "j-member", Repository: "repoA", SessionID: "sess", Status: types.JobStatusBatchedWaiting})
	require.NoError(t, err)

	_, err = s.recover(context.Background())
	require.NoError(t, err)

	job, ok := s.queue.Get("j-member")
	require.True(t, ok)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	_, ok = s.batches.Get("b1")
	assert.False(t, ok)
}

func TestRunServesAndShutsDown(t *testing.T) {
	metrics.Reset()
	s, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	require.NotNil(t, s.StartupReport())
}

package queue

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/wal"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testLayout(t *testing.T) workspace.Layout {
	t.Helper()
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	return layout
}

func newJob(id string) *types.Job {
	return &types.Job{
		ID:         id,
		Owner:      "alice",
		Repository: "repoA",
		Args:       []string{"index", "--branch", "main"},
	}
}

func TestEnqueueAssignsSequenceAndPosition(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	pos, err := s.Enqueue(newJob("job-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = s.Enqueue(newJob("job-2"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	j1, ok := s.Get("job-1")
	require.True(t, ok)
	j2, ok := s.Get("job-2")
	require.True(t, ok)
	assert.Less(t, j1.Sequence, j2.Sequence)
	assert.Equal(t, types.JobStatusQueued, j1.Status)
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Enqueue(newJob("job-1"))
	require.NoError(t, err)
	_, err = s.Enqueue(newJob("job-1"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDequeueIsFIFO(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	for i := 1; i <= 3; i++ {
		_, err := s.Enqueue(newJob(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		job, err := s.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
	}

	_, err = s.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDequeueSkipsBatchedWaiting(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	member := newJob("member")
	member.Status = types.JobStatusBatchedWaiting
	member.BatchID = "batch-1"
	_, err = s.Enqueue(member)
	require.NoError(t, err)

	_, err = s.Enqueue(newJob("runnable"))
	require.NoError(t, err)

	job, err := s.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "runnable", job.ID)

	// The batch member stays parked until it is released to queued.
	_, err = s.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, s.UpdateStatus("member", types.JobStatusQueued))
	job, err = s.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "member", job.ID)
}

func TestRecoveryAfterCrash(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)

	const n = 20
	for i := 1; i <= n; i++ {
		_, err := s.Enqueue(newJob(fmt.Sprintf("job-%02d", i)))
		require.NoError(t, err)
	}
	// No Close: simulates SIGKILL right after the enqueues were acknowledged.

	recovered, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer recovered.Close()

	pending := recovered.Pending()
	require.Len(t, pending, n)
	for i, job := range pending {
		assert.Equal(t, fmt.Sprintf("job-%02d", i+1), job.ID, "order must be preserved")
		assert.Equal(t, types.JobStatusQueued, job.Status)
	}
}

func TestRecoveryAcrossCheckpoint(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)

	_, err = s.Enqueue(newJob("job-1"))
	require.NoError(t, err)
	_, err = s.Enqueue(newJob("job-2"))
	require.NoError(t, err)
	require.NoError(t, s.Checkpoint())

	// Mutations after the checkpoint live only in the WAL.
	_, err = s.Dequeue()
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("job-1", types.JobStatusRunning))
	_, err = s.Enqueue(newJob("job-3"))
	require.NoError(t, err)

	recovered, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer recovered.Close()

	j1, ok := recovered.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.JobStatusRunning, j1.Status)

	pending := recovered.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "job-2", pending[0].ID)
	assert.Equal(t, "job-3", pending[1].ID)

	// Sequences keep climbing after recovery.
	assert.Greater(t, recovered.LastSequence(), uint64(4))
}

func TestCorruptedSnapshotReconstructsFromWAL(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)

	_, err = s.Enqueue(newJob("job-1"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(layout.QueueSnapshot(), []byte("{torn"), 0644))

	recovered, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer recovered.Close()

	pending := recovered.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].ID)

	// The corrupted file was quarantined, not deleted.
	entries, err := os.ReadDir(layout.Root)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if len(e.Name()) > len("queue-snapshot.json.corrupted.") &&
			e.Name()[:len("queue-snapshot.json.corrupted.")] == "queue-snapshot.json.corrupted." {
			found = true
		}
	}
	assert.True(t, found, "corrupted snapshot must be backed up")
}

func TestCheckpointOnHundredthOperation(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	for i := 1; i <= 99; i++ {
		_, err := s.Enqueue(newJob(fmt.Sprintf("job-%03d", i)))
		require.NoError(t, err)
	}
	assert.NoFileExists(t, layout.QueueSnapshot())

	_, err = s.Enqueue(newJob("job-100"))
	require.NoError(t, err)

	assert.FileExists(t, layout.QueueSnapshot())
	info, err := os.Stat(layout.QueueWAL())
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "WAL is truncated by the checkpoint")
}

func TestFinishRecordsOutcome(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Enqueue(newJob("job-1"))
	require.NoError(t, err)
	_, err = s.Dequeue()
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("job-1", types.JobStatusRunning))

	code := 0
	require.NoError(t, s.Finish("job-1", types.JobStatusCompleted, &code, ""))

	job, ok := s.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, 0, s.Len())

	err = s.Finish("job-1", types.JobStatusRunning, nil, "")
	assert.Error(t, err, "Finish only accepts terminal statuses")
}

func TestSetPosition(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	for i := 1; i <= 3; i++ {
		_, err := s.Enqueue(newJob(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, s.SetPosition("job-3", 1))

	pending := s.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "job-3", pending[0].ID)
	assert.Equal(t, "job-1", pending[1].ID)
	assert.Equal(t, "job-2", pending[2].ID)

	pos, ok := s.Position("job-1")
	require.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestPruneFinished(t *testing.T) {
	layout := testLayout(t)
	s, err := Open(layout, wal.Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Enqueue(newJob("old"))
	require.NoError(t, err)
	_, err = s.Dequeue()
	require.NoError(t, err)
	code := 0
	require.NoError(t, s.Finish("old", types.JobStatusCompleted, &code, ""))

	// Age the finish time past the retention window.
	s.mu.Lock()
	past := time.Now().Add(-48 * time.Hour)
	s.jobs["old"].FinishedAt = &past
	s.mu.Unlock()

	_, err = s.Enqueue(newJob("fresh"))
	require.NoError(t, err)

	removed, err := s.PruneFinished(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

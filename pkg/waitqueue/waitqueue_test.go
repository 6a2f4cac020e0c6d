package waitqueue

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testStore(t *testing.T) *Store {
	t.Helper()
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	s, err := Open(layout)
	require.NoError(t, err)
	return s
}

func op(jobID string, queuedAt time.Time) types.QueuedOperation {
	return types.QueuedOperation{JobID: jobID, User: "alice", Operation: "index", QueuedAt: queuedAt}
}

func TestEnqueueAssignsPositions(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	pos, err := s.Enqueue("repoA", op("job-1", now))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = s.Enqueue("repoA", op("job-2", now.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	waiters := s.Waiters("repoA")
	require.Len(t, waiters, 2)
	assert.Equal(t, 1, waiters[0].Position)
	assert.Equal(t, 2, waiters[1].Position)
}

func TestPositionsRecalculatedOnDequeue(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	_, err := s.Enqueue("repoA", op("job-1", now))
	require.NoError(t, err)
	_, err = s.Enqueue("repoA", op("job-2", now))
	require.NoError(t, err)
	_, err = s.Enqueue("repoA", op("job-3", now))
	require.NoError(t, err)

	head, err := s.Dequeue("repoA")
	require.NoError(t, err)
	assert.Equal(t, "job-1", head.JobID)

	waiters := s.Waiters("repoA")
	require.Len(t, waiters, 2)
	assert.Equal(t, "job-2", waiters[0].JobID)
	assert.Equal(t, 1, waiters[0].Position, "positions are 1-based and renumbered on every mutation")
	assert.Equal(t, 2, waiters[1].Position)
}

func TestPersistenceSurvivesReload(t *testing.T) {
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	s, err := Open(layout)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.Enqueue("repoA", op("job-1", now))
	require.NoError(t, err)
	key := types.CompositeKey([]string{"repoB", "repoA"})
	_, err = s.Enqueue(key, op("job-2", now))
	require.NoError(t, err)

	reloaded, err := Open(layout)
	require.NoError(t, err)

	assert.Equal(t, []string{"COMPOSITE#repoA+repoB", "repoA"}, reloaded.Keys())
	assert.Equal(t, 2, reloaded.Len())
}

func TestCorruptedDocumentStartsFresh(t *testing.T) {
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	require.NoError(t, os.WriteFile(layout.WaitingQueues(), []byte("][ nope"), 0644))

	s, err := Open(layout)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestNextEligibleSingleKey(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	_, err := s.Enqueue("repoA", op("job-1", now))
	require.NoError(t, err)
	_, err = s.Enqueue("repoB", op("job-2", now.Add(-time.Minute)))
	require.NoError(t, err)

	locked := map[string]bool{"repoB": true}
	key, got, ok, err := s.NextEligible(func(repo string) bool { return !locked[repo] })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "repoA", key, "repoB's older waiter is blocked by its lock")
	assert.Equal(t, "job-1", got.JobID)
}

func TestNextEligibleCompositeNeedsAllFree(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	key := types.CompositeKey([]string{"repoA", "repoB"})
	_, err := s.Enqueue(key, op("job-1", now))
	require.NoError(t, err)

	locked := map[string]bool{"repoB": true}
	_, _, ok, err := s.NextEligible(func(repo string) bool { return !locked[repo] })
	require.NoError(t, err)
	assert.False(t, ok, "composite waiter stays parked while any member is locked")

	locked["repoB"] = false
	gotKey, got, ok, err := s.NextEligible(func(repo string) bool { return !locked[repo] })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 0, s.Len())
}

func TestNextEligibleFairnessFIFOByQueuedAt(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	// Two composite waiters share repoB; the older one wins.
	keyAB := types.CompositeKey([]string{"repoA", "repoB"})
	keyBC := types.CompositeKey([]string{"repoB", "repoC"})
	_, err := s.Enqueue(keyAB, op("newer", now))
	require.NoError(t, err)
	_, err = s.Enqueue(keyBC, op("older", now.Add(-time.Minute)))
	require.NoError(t, err)

	_, got, ok, err := s.NextEligible(func(string) bool { return true })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "older", got.JobID)
}

func TestRemove(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	_, err := s.Enqueue("repoA", op("job-1", now))
	require.NoError(t, err)
	_, err = s.Enqueue("repoA", op("job-2", now))
	require.NoError(t, err)

	require.NoError(t, s.Remove("repoA", "job-1"))
	waiters := s.Waiters("repoA")
	require.Len(t, waiters, 1)
	assert.Equal(t, "job-2", waiters[0].JobID)
	assert.Equal(t, 1, waiters[0].Position)

	assert.Error(t, s.Remove("repoA", "job-1"))
}

func TestRecomputeETAs(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	_, err := s.Enqueue("repoA", op("job-1", now))
	require.NoError(t, err)
	_, err = s.Enqueue("repoA", op("job-2", now))
	require.NoError(t, err)

	require.NoError(t, s.RecomputeETAs(10*time.Second))

	waiters := s.Waiters("repoA")
	require.NotNil(t, waiters[0].ETA)
	require.NotNil(t, waiters[1].ETA)
	assert.True(t, waiters[1].ETA.After(*waiters[0].ETA), "later positions get later ETAs")
}

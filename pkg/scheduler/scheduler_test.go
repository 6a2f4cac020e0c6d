package scheduler

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/callbacks"
	"github.com/cidxlabs/cidx/pkg/locks"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/queue"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/stats"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/waitqueue"
	"github.com/cidxlabs/cidx/pkg/wal"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeLauncher records launches and lets tests finish jobs on demand.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	done     map[string]chan ExitStatus
	failNext bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{done: make(map[string]chan ExitStatus)}
}

func (f *fakeLauncher) Launch(job *types.Job) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, os.ErrNotExist
	}
	ch := make(chan ExitStatus, 1)
	f.launched = append(f.launched, job.ID)
	f.done[job.ID] = ch
	return &Handle{PID: os.Getpid(), Done: ch}, nil
}

func (f *fakeLauncher) finish(jobID string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[jobID] <- ExitStatus{Code: code}
}

type fixture struct {
	sched    *Scheduler
	queue    *queue.Store
	locks    *locks.Store
	waiting  *waitqueue.Store
	batches  *BatchStore
	cbs      *callbacks.Store
	launcher *fakeLauncher
	layout   workspace.Layout
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	q, err := queue.Open(layout, wal.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	lk := locks.Open(layout)
	wq, err := waitqueue.Open(layout)
	require.NoError(t, err)
	st, err := stats.Open(layout)
	require.NoError(t, err)
	cb, err := callbacks.Open(layout)
	require.NoError(t, err)
	bt, err := OpenBatches(layout)
	require.NoError(t, err)

	launcher := newFakeLauncher()
	sched := New(Deps{
		Layout:        layout,
		Queue:         q,
		Locks:         lk,
		Waiting:       wq,
		Stats:         st,
		Callbacks:     cb,
		Monitor:       sentinel.NewMonitor(layout),
		Batches:       bt,
		Launcher:      launcher,
		MaxConcurrent: maxConcurrent,
	})
	return &fixture{sched: sched, queue: q, locks: lk, waiting: wq, batches: bt, cbs: cb, launcher: launcher, layout: layout}
}

func enqueue(t *testing.T, f *fixture, job types.Job) {
	t.Helper()
	if job.SessionID == "" {
		job.SessionID = "sess-" + job.ID
	}
	_, err := f.queue.Enqueue(&job)
	require.NoError(t, err)
}

func TestDispatchAndComplete(t *testing.T) {
	f := newFixture(t, 2)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA", Args: []string{"index"}})

	f.sched.Tick()
	assert.Equal(t, []string{"j1"}, f.launcher.launched)
	assert.True(t, f.locks.IsLocked("repoA"))

	job, _ := f.queue.Get("j1")
	assert.Equal(t, types.JobStatusRunning, job.Status)

	f.launcher.finish("j1", 0)
	f.sched.Tick()

	job, _ = f.queue.Get("j1")
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.False(t, f.locks.IsLocked("repoA"))
	assert.Empty(t, f.sched.Running())
}

func TestFailedChildMarksJobFailed(t *testing.T) {
	f := newFixture(t, 1)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA"})

	f.sched.Tick()
	f.launcher.finish("j1", 3)
	f.sched.Tick()

	job, _ := f.queue.Get("j1")
	assert.Equal(t, types.JobStatusFailed, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 3, *job.ExitCode)
}

func TestLockConflictParksThenWakes(t *testing.T) {
	f := newFixture(t, 2)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA"})
	enqueue(t, f, types.Job{ID: "j2", Repository: "repoA"})

	f.sched.Tick()
	// j1 runs, j2 parked under repoA.
	assert.Equal(t, []string{"j1"}, f.launcher.launched)
	waiters := f.waiting.Waiters("repoA")
	require.Len(t, waiters, 1)
	assert.Equal(t, "j2", waiters[0].JobID)

	f.launcher.finish("j1", 0)
	f.sched.Tick()

	// Settling j1 releases repoA and dispatches j2 directly.
	assert.Equal(t, []string{"j1", "j2"}, f.launcher.launched)
	assert.Empty(t, f.waiting.Waiters("repoA"))
	assert.True(t, f.locks.IsLocked("repoA"))
}

func TestCompositeLockAllOrNothing(t *testing.T) {
	f := newFixture(t, 2)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA+repoB"})
	enqueue(t, f, types.Job{ID: "j2", Repository: "repoB"})

	f.sched.Tick()
	assert.Equal(t, []string{"j1"}, f.launcher.launched)
	assert.True(t, f.locks.IsLocked("repoA"))
	assert.True(t, f.locks.IsLocked("repoB"))

	// j2 conflicts on repoB and parks.
	require.Len(t, f.waiting.Waiters("repoB"), 1)

	f.launcher.finish("j1", 0)
	f.sched.Tick()
	assert.False(t, f.locks.IsLocked("repoA"))
	assert.Equal(t, []string{"j1", "j2"}, f.launcher.launched)
}

func TestWebhookEnqueuedOnCompletion(t *testing.T) {
	f := newFixture(t, 1)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA", Webhooks: []string{"https://hooks.example.com/done"}})

	f.sched.Tick()
	f.launcher.finish("j1", 0)
	f.sched.Tick()

	pending := f.cbs.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "j1", pending[0].JobID)
	assert.Equal(t, "https://hooks.example.com/done", pending[0].URL)
	assert.Equal(t, "completed", pending[0].Payload["status"])
}

func TestLaunchFailureFailsJobAndFreesLock(t *testing.T) {
	f := newFixture(t, 1)
	f.launcher.failNext = true
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA"})

	f.sched.Tick()
	job, _ := f.queue.Get("j1")
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.False(t, f.locks.IsLocked("repoA"))
}

func TestBatchLeaderReleasesMembers(t *testing.T) {
	f := newFixture(t, 1)

	leader, err := f.batches.Join("batch-1", "repoA", "j1")
	require.NoError(t, err)
	require.True(t, leader)
	leader, err = f.batches.Join("batch-1", "repoA", "j2")
	require.NoError(t, err)
	require.False(t, leader)

	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA", BatchID: "batch-1"})
	enqueue(t, f, types.Job{ID: "j2", Repository: "repoA", BatchID: "batch-1", Status: types.JobStatusBatchedWaiting})

	f.sched.Tick()
	assert.Equal(t, []string{"j1"}, f.launcher.launched)

	b, ok := f.batches.Get("batch-1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseInProgress, b.GitPull)

	f.launcher.finish("j1", 0)
	f.sched.Tick()

	// Leader completion promoted j2 to queued; the same cycle's dispatch
	// already picked it up.
	assert.Contains(t, f.launcher.launched, "j2")
	_, ok = f.batches.Get("batch-1")
	assert.False(t, ok)
}

func TestRecoverJobsReattachesFresh(t *testing.T) {
	f := newFixture(t, 2)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA"})
	require.NoError(t, f.queue.UpdateStatus("j1", types.JobStatusRunning))

	// Fresh sentinel owned by this process.
	require.NoError(t, os.MkdirAll(f.layout.JobDir("j1"), 0755))
	w, err := sentinel.NewWriter(f.layout, "j1", "sess-j1", "claude")
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	rs, err := f.sched.RecoverJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Reattached)
	assert.Contains(t, f.sched.Running(), "j1")
}

func TestRecoverJobsFailsDead(t *testing.T) {
	f := newFixture(t, 2)
	enqueue(t, f, types.Job{ID: "j1", Repository: "repoA"})
	require.NoError(t, f.queue.UpdateStatus("j1", types.JobStatusRunning))
	require.NoError(t, f.locks.Acquire("repoA", "j1", "index", "op-1", 0))

	// Dead sentinel: PID 0 is never alive.
	require.NoError(t, os.MkdirAll(f.layout.JobDir("j1"), 0755))
	require.NoError(t, atomicfile.WriteJSON(f.layout.SentinelFile("j1"), types.Sentinel{
		JobID: "j1", PID: 0, Engine: "claude", Host: "test",
	}))

	rs, err := f.sched.RecoverJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Failed)

	job, _ := f.queue.Get("j1")
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.False(t, f.locks.IsLocked("repoA"))
}

func TestReposOfComposite(t *testing.T) {
	assert.Equal(t, []string{"repoA"}, reposOf(&types.Job{Repository: "repoA"}))
	assert.Equal(t, []string{"repoA", "repoB"}, reposOf(&types.Job{Repository: "repoA+repoB"}))
}

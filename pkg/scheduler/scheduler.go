package scheduler

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cidxlabs/cidx/pkg/callbacks"
	"github.com/cidxlabs/cidx/pkg/catalog"
	"github.com/cidxlabs/cidx/pkg/locks"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/queue"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/stats"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/waitqueue"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// defaultPollInterval is how often the scheduler reaps children and
// dispatches pending work.
const defaultPollInterval = time.Second

// Scheduler takes jobs off the durable queue in FIFO order, acquires their
// repository locks, runs them through adaptor children, and settles their
// results: statistics, callbacks, catalog generations, lock release, and
// waiter notification.
type Scheduler struct {
	layout    workspace.Layout
	queue     *queue.Store
	locks     *locks.Store
	waiting   *waitqueue.Store
	stats     *stats.Store
	callbacks *callbacks.Store
	monitor   *sentinel.Monitor
	batches   *BatchStore
	launcher  Launcher
	// cat may be nil; generations are bookkeeping only.
	cat *catalog.Catalog

	maxConcurrent int
	pollInterval  time.Duration

	mu      sync.Mutex
	running map[string]*runningJob

	stopCh chan struct{}
	doneCh chan struct{}
}

// runningJob is one job the scheduler supervises. Reattached jobs have no
// handle; their liveness comes from the sentinel alone.
type runningJob struct {
	job        *types.Job
	handle     *Handle
	reattached bool
}

// Deps bundles the stores the scheduler operates on.
type Deps struct {
	Layout    workspace.Layout
	Queue     *queue.Store
	Locks     *locks.Store
	Waiting   *waitqueue.Store
	Stats     *stats.Store
	Callbacks *callbacks.Store
	Monitor   *sentinel.Monitor
	Batches   *BatchStore
	Launcher  Launcher
	Catalog   *catalog.Catalog

	MaxConcurrent int
}

// New creates a scheduler. It does not dispatch until Start.
func New(deps Deps) *Scheduler {
	maxConcurrent := deps.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	launcher := deps.Launcher
	if launcher == nil {
		launcher = NewExecLauncher(deps.Layout)
	}
	return &Scheduler{
		layout:        deps.Layout,
		queue:         deps.Queue,
		locks:         deps.Locks,
		waiting:       deps.Waiting,
		stats:         deps.Stats,
		callbacks:     deps.Callbacks,
		monitor:       deps.Monitor,
		batches:       deps.Batches,
		launcher:      launcher,
		cat:           deps.Catalog,
		maxConcurrent: maxConcurrent,
		pollInterval:  defaultPollInterval,
		running:       make(map[string]*runningJob),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the loop. Running adaptor children stay alive; their sentinels
// let the next startup reattach them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one scheduling cycle: reap finished children, verify reattached
// jobs, then dispatch pending work up to the concurrency cap.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reapLocked()
	s.dispatchLocked()
	s.updateCapacityLocked()
}

// reapLocked settles jobs whose child exited and reattached jobs whose
// sentinel went dead.
func (s *Scheduler) reapLocked() {
	for jobID, r := range s.running {
		if r.handle != nil {
			select {
			case st := <-r.handle.Done:
				s.settleLocked(jobID, st)
			default:
			}
			continue
		}

		// Reattached: the child belongs to a previous server process, so
		// liveness comes from the sentinel file.
		sent, liveness, err := s.monitor.Read(jobID)
		if err != nil || sent == nil || liveness == types.LivenessDead {
			s.settleLocked(jobID, ExitStatus{Code: -1, Err: errors.New("adaptor heartbeat lost")})
		}
	}
}

// dispatchLocked pulls queued jobs FIFO and starts them while capacity
// remains. Lock conflicts park the job in the waiting queue.
func (s *Scheduler) dispatchLocked() {
	for len(s.running) < s.maxConcurrent {
		job, err := s.queue.Dequeue()
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				log.WithComponent("scheduler").Error().Err(err).Msg("failed to dequeue job")
			}
			return
		}
		s.startLocked(job)
	}
}

// startLocked acquires the job's locks and launches it. On conflict the job
// is parked; on any other failure it is marked failed.
func (s *Scheduler) startLocked(job *types.Job) {
	logger := log.WithJobID(job.ID)
	repos := reposOf(job)
	operation := operationOf(job)
	operationID := uuid.New().String()

	for _, repo := range repos {
		if !s.locks.IsAvailable(repo) {
			s.failLocked(job, "repository "+repo+" unavailable (degraded)")
			return
		}
	}

	var err error
	if len(repos) == 1 {
		err = s.locks.Acquire(repos[0], job.ID, operation, operationID, 0)
	} else {
		err = s.locks.AcquireComposite(repos, job.ID, operation, operationID, 0)
	}
	if errors.Is(err, locks.ErrHeld) {
		s.parkLocked(job, repos)
		return
	}
	if err != nil {
		s.failLocked(job, err.Error())
		return
	}

	handle, err := s.launcher.Launch(job)
	if err != nil {
		s.releaseAcquiredLocked(job, repos, operationID)
		s.failLocked(job, err.Error())
		return
	}

	if err := s.queue.UpdateStatus(job.ID, types.JobStatusRunning); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
	}
	if job.BatchID != "" {
		if leader, ok := s.batches.Leader(job.BatchID); ok && leader == job.ID {
			if err := s.batches.MarkPreparing(job.BatchID); err != nil {
				logger.Warn().Err(err).Msg("failed to update batch state")
			}
		}
	}

	now := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	s.running[job.ID] = &runningJob{job: job, handle: handle}
	logger.Info().Str("repository", job.Repository).Int("pid", handle.PID).Msg("job started")
}

// parkLocked moves a lock-conflicted job into the waiting queue under its
// repository (or composite) key.
func (s *Scheduler) parkLocked(job *types.Job, repos []string) {
	key := repos[0]
	if len(repos) > 1 {
		key = types.CompositeKey(repos)
	}
	pos, err := s.waiting.Enqueue(key, types.QueuedOperation{
		JobID:     job.ID,
		User:      job.Owner,
		Operation: operationOf(job),
		QueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.failLocked(job, "failed to park job: "+err.Error())
		return
	}
	if p90 := s.stats.P90Duration(); p90 > 0 {
		if err := s.waiting.RecomputeETAs(p90); err != nil {
			log.WithJobID(job.ID).Warn().Err(err).Msg("failed to recompute waiter ETAs")
		}
	}
	log.WithJobID(job.ID).Info().Str("key", key).Int("position", pos).Msg("job parked, repository locked")
}

// settleLocked finishes a job, releases its locks, and wakes waiters.
func (s *Scheduler) settleLocked(jobID string, st ExitStatus) {
	logger := log.WithJobID(jobID)
	r := s.running[jobID]
	delete(s.running, jobID)
	job := r.job

	status := types.JobStatusCompleted
	errMsg := ""
	if st.Err != nil {
		status = types.JobStatusFailed
		errMsg = st.Err.Error()
	} else if st.Code != 0 {
		status = types.JobStatusFailed
	}
	code := st.Code
	if err := s.queue.Finish(jobID, status, &code, errMsg); err != nil {
		logger.Error().Err(err).Msg("failed to record job completion")
	}

	duration := 0.0
	if job.StartedAt != nil {
		duration = time.Since(*job.StartedAt).Seconds()
	}
	if err := s.stats.RecordJobCompletion(types.ResourceUsage{
		DurationSec: duration,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to record job statistics")
	}

	if status == types.JobStatusCompleted && s.cat != nil && operationOf(job) == "index" {
		if _, err := s.cat.Record(job.Repository, "", "", jobID); err != nil {
			logger.Warn().Err(err).Msg("failed to record index generation")
		}
	}

	for _, url := range job.Webhooks {
		payload := map[string]any{
			"job_id":     jobID,
			"status":     string(status),
			"exit_code":  st.Code,
			"repository": job.Repository,
		}
		if _, err := s.callbacks.Enqueue(jobID, url, payload); err != nil {
			logger.Warn().Str("url", url).Err(err).Msg("failed to enqueue callback")
		}
	}

	if job.BatchID != "" {
		if leader, ok := s.batches.Leader(job.BatchID); ok && leader == jobID {
			s.releaseBatchLocked(job.BatchID)
		}
	}

	if status == types.JobStatusCompleted {
		if err := s.monitor.Remove(jobID); err != nil {
			logger.Warn().Err(err).Msg("failed to remove sentinel")
		}
	}

	s.releaseJobLocksLocked(job)
	logger.Info().Str("status", string(status)).Int("exit_code", st.Code).Msg("job finished")

	s.wakeWaitersLocked()
}

// releaseBatchLocked promotes waiting batch members back to queued.
func (s *Scheduler) releaseBatchLocked(batchID string) {
	members, err := s.batches.Complete(batchID)
	if err != nil {
		log.WithComponent("scheduler").Warn().Str("batch_id", batchID).Err(err).Msg("failed to complete batch")
		return
	}
	for _, id := range members {
		if err := s.queue.UpdateStatus(id, types.JobStatusQueued); err != nil {
			log.WithJobID(id).Warn().Err(err).Msg("failed to release batch member")
		}
	}
}

// wakeWaitersLocked dispatches parked operations whose repositories all
// became free, FIFO by queued-at across single and composite waiters.
func (s *Scheduler) wakeWaitersLocked() {
	for len(s.running) < s.maxConcurrent {
		isFree := func(repo string) bool {
			return s.locks.IsAvailable(repo) && !s.locks.IsLocked(repo)
		}
		key, op, ok, err := s.waiting.NextEligible(isFree)
		if err != nil {
			log.WithComponent("scheduler").Warn().Err(err).Msg("failed to poll waiting queues")
			return
		}
		if !ok {
			return
		}

		job, found := s.queue.Get(op.JobID)
		if !found {
			log.WithJobID(op.JobID).Warn().Str("key", key).Msg("waiting operation references unknown job")
			continue
		}
		s.startLocked(job)
	}
}

func (s *Scheduler) releaseJobLocksLocked(job *types.Job) {
	for _, repo := range reposOf(job) {
		holder, ok := s.locks.Holder(repo)
		if !ok || holder.JobID != job.ID {
			continue
		}
		if err := s.locks.Release(repo); err != nil {
			log.WithJobID(job.ID).Warn().Str("repository", repo).Err(err).Msg("failed to release lock")
		}
	}
}

func (s *Scheduler) failLocked(job *types.Job, reason string) {
	code := -1
	if err := s.queue.Finish(job.ID, types.JobStatusFailed, &code, reason); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to record job failure")
	}
	log.WithJobID(job.ID).Warn().Str("reason", reason).Msg("job failed before start")
}

func (s *Scheduler) releaseAcquiredLocked(job *types.Job, repos []string, operationID string) {
	if len(repos) == 1 {
		if err := s.locks.Release(repos[0]); err != nil {
			log.WithJobID(job.ID).Warn().Err(err).Msg("failed to release lock")
		}
		return
	}
	if err := s.locks.ReleaseComposite(repos, operationID); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("failed to release composite locks")
	}
}

func (s *Scheduler) updateCapacityLocked() {
	if err := s.stats.UpdateCapacity(types.Capacity{
		MaxConcurrentJobs: s.maxConcurrent,
		RunningJobs:       len(s.running),
		QueuedJobs:        s.queue.Len(),
	}); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("failed to update capacity statistics")
	}
}

// Running returns the ids of jobs currently supervised.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

// Tick runs one scheduling cycle immediately. Exposed for the API's job
// submit path and for tests; the background loop calls the same cycle.
func (s *Scheduler) Tick() {
	s.tick()
}

// reposOf resolves the repository set a job locks: a composite alias
// "a+b+c" names several, anything else names one.
func reposOf(job *types.Job) []string {
	if !strings.Contains(job.Repository, "+") {
		return []string{job.Repository}
	}
	var out []string
	for _, p := range strings.Split(job.Repository, "+") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// operationOf derives the operation kind from the job's argument vector.
func operationOf(job *types.Job) string {
	if len(job.Args) > 0 {
		return job.Args[0]
	}
	return "index"
}

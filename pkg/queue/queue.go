package queue

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/wal"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

var (
	// ErrEmpty is returned by Dequeue when no job is eligible to run.
	ErrEmpty = errors.New("queue is empty")
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicate is returned when enqueueing an id that already exists.
	ErrDuplicate = errors.New("job already exists")
)

// Snapshot is the complete checkpointed queue state.
type Snapshot struct {
	LastSequence   uint64       `json:"last_sequence"`
	Jobs           []*types.Job `json:"jobs"`
	Pending        []string     `json:"pending"`
	CheckpointedAt time.Time    `json:"checkpointed_at"`
}

// Store is the durable job queue. Every mutation updates the in-memory state
// and appends to the WAL inside one critical section, so disk order always
// matches memory order. Checkpoints fold the WAL into queue-snapshot.json.
type Store struct {
	layout workspace.Layout

	mu      sync.Mutex
	wal     *wal.WAL
	jobs    map[string]*types.Job
	pending []string
	lastSeq uint64
}

// Open recovers the queue from the snapshot and WAL under layout. A corrupted
// snapshot is backed up and the state is reconstructed from the WAL alone.
func Open(layout workspace.Layout, opts wal.Options) (*Store, error) {
	logger := log.WithComponent("queue")

	s := &Store{
		layout: layout,
		jobs:   make(map[string]*types.Job),
	}

	var snap Snapshot
	err := atomicfile.ReadJSON(layout.QueueSnapshot(), &snap)
	switch {
	case err == nil:
		for _, j := range snap.Jobs {
			s.jobs[j.ID] = j
		}
		s.pending = append(s.pending, snap.Pending...)
		s.lastSeq = snap.LastSequence
	case os.IsNotExist(err):
		// First boot.
	default:
		backup := workspace.CorruptedBackupPath(layout.QueueSnapshot(), time.Now())
		if renameErr := os.Rename(layout.QueueSnapshot(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted queue snapshot: %w", renameErr)
		}
		logger.Warn().Str("backup", backup).Err(err).Msg("queue snapshot corrupted, reconstructing from WAL")
	}

	applied, skipped, err := wal.Replay(layout.QueueWAL(), func(rec wal.Record) error {
		if rec.Sequence <= snap.LastSequence {
			// Checkpointed before the crash; already in the snapshot.
			return nil
		}
		return s.applyLocked(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay queue WAL: %w", err)
	}
	if applied > 0 || skipped > 0 {
		logger.Info().Int("applied", applied).Int("skipped", skipped).Msg("replayed queue WAL")
	}

	w, err := wal.Open(layout.QueueWAL(), opts)
	if err != nil {
		return nil, err
	}
	s.wal = w

	s.updateMetricsLocked()
	return s, nil
}

// applyLocked applies one WAL record during replay. The store is not yet
// shared when replay runs, so no locking is needed.
func (s *Store) applyLocked(rec wal.Record) error {
	if rec.Sequence > s.lastSeq {
		s.lastSeq = rec.Sequence
	}

	switch rec.Op {
	case wal.OpEnqueue:
		job := rec.Job
		s.jobs[job.ID] = job
		if job.Status == types.JobStatusQueued || job.Status == types.JobStatusBatchedWaiting {
			s.appendPendingLocked(job.ID)
		}
	case wal.OpDequeue:
		s.removePendingLocked(rec.JobID)
	case wal.OpStatusChange:
		job, ok := s.jobs[rec.JobID]
		if !ok {
			return fmt.Errorf("status change for unknown job %s", rec.JobID)
		}
		job.Status = rec.Status
		if rec.Status == types.JobStatusQueued {
			s.appendPendingLocked(rec.JobID)
		} else if rec.Status != types.JobStatusBatchedWaiting {
			s.removePendingLocked(rec.JobID)
		}
	case wal.OpPositionUpdate:
		if _, ok := s.jobs[rec.JobID]; !ok {
			return fmt.Errorf("position update for unknown job %s", rec.JobID)
		}
		s.movePendingLocked(rec.JobID, rec.Position)
	}
	return nil
}

func (s *Store) appendPendingLocked(jobID string) {
	for _, id := range s.pending {
		if id == jobID {
			return
		}
	}
	s.pending = append(s.pending, jobID)
}

func (s *Store) removePendingLocked(jobID string) {
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// movePendingLocked places jobID at the 1-based position, clamped to the
// queue bounds.
func (s *Store) movePendingLocked(jobID string, position int) {
	s.removePendingLocked(jobID)
	idx := position - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.pending) {
		idx = len(s.pending)
	}
	s.pending = append(s.pending[:idx], append([]string{jobID}, s.pending[idx:]...)...)
}

// Enqueue assigns the next sequence number, persists the job, and returns its
// 1-based queue position.
func (s *Store) Enqueue(job *types.Job) (int, error) {
	if job.ID == "" {
		return 0, fmt.Errorf("job has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}

	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.lastSeq++
	job.Sequence = s.lastSeq

	rec := wal.Record{
		Sequence:  s.lastSeq,
		Op:        wal.OpEnqueue,
		JobID:     job.ID,
		Job:       job,
		Timestamp: time.Now().UTC(),
	}
	if err := s.appendLocked(rec); err != nil {
		s.lastSeq--
		return 0, err
	}

	s.jobs[job.ID] = job
	s.pending = append(s.pending, job.ID)
	s.updateMetricsLocked()
	s.checkpointIfNeededLocked()

	return len(s.pending), nil
}

// Dequeue removes and returns the first job eligible to run. Jobs parked in
// batched_waiting stay in place until their batch leader releases them.
func (s *Store) Dequeue() (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, id := range s.pending {
		if s.jobs[id].Status == types.JobStatusQueued {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrEmpty
	}

	jobID := s.pending[idx]
	s.lastSeq++
	rec := wal.Record{
		Sequence:  s.lastSeq,
		Op:        wal.OpDequeue,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.appendLocked(rec); err != nil {
		s.lastSeq--
		return nil, err
	}

	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	s.updateMetricsLocked()
	s.checkpointIfNeededLocked()

	return cloneJob(s.jobs[jobID]), nil
}

// UpdateStatus records a status transition. Moving to queued re-enters the
// pending queue at the tail; terminal statuses leave the pending queue.
func (s *Store) UpdateStatus(jobID string, status types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(jobID, status, nil, "")
}

// Finish records a terminal status along with the job's exit code and error
// message.
func (s *Store) Finish(jobID string, status types.JobStatus, exitCode *int, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(jobID, status, exitCode, errMsg)
}

func (s *Store) updateStatusLocked(jobID string, status types.JobStatus, exitCode *int, errMsg string) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	s.lastSeq++
	rec := wal.Record{
		Sequence:  s.lastSeq,
		Op:        wal.OpStatusChange,
		JobID:     jobID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := s.appendLocked(rec); err != nil {
		s.lastSeq--
		return err
	}

	now := time.Now().UTC()
	job.Status = status
	switch {
	case status == types.JobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		s.removePendingLocked(jobID)
	case status.Terminal():
		if job.FinishedAt == nil {
			job.FinishedAt = &now
		}
		job.ExitCode = exitCode
		job.Error = errMsg
		s.removePendingLocked(jobID)
		metrics.JobsProcessed.Inc()
	case status == types.JobStatusQueued:
		s.appendPendingLocked(jobID)
	}

	s.updateMetricsLocked()
	s.checkpointIfNeededLocked()
	return nil
}

// SetPosition moves a pending job to the given 1-based position.
func (s *Store) SetPosition(jobID string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.Status != types.JobStatusQueued && job.Status != types.JobStatusBatchedWaiting {
		return fmt.Errorf("job %s is not pending", jobID)
	}

	s.lastSeq++
	rec := wal.Record{
		Sequence:  s.lastSeq,
		Op:        wal.OpPositionUpdate,
		JobID:     jobID,
		Position:  position,
		Timestamp: time.Now().UTC(),
	}
	if err := s.appendLocked(rec); err != nil {
		s.lastSeq--
		return err
	}

	s.movePendingLocked(jobID, position)
	s.checkpointIfNeededLocked()
	return nil
}

// appendLocked writes one WAL record and updates the WAL metrics.
func (s *Store) appendLocked(rec wal.Record) error {
	if err := s.wal.Append(rec); err != nil {
		return err
	}
	metrics.WALAppends.Inc()
	metrics.WALSizeBytes.Set(float64(s.wal.Size()))
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(jobID string) (*types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns copies of all known jobs ordered by sequence.
func (s *Store) List() []*types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, cloneJob(j))
	}
	sortJobs(out)
	return out
}

// Pending returns copies of the queued and batched jobs in FIFO order.
func (s *Store) Pending() []*types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Job, 0, len(s.pending))
	for _, id := range s.pending {
		out = append(out, cloneJob(s.jobs[id]))
	}
	return out
}

// Position returns the 1-based pending position of a job.
func (s *Store) Position(jobID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.pending {
		if id == jobID {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the number of pending jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastSequence returns the highest sequence number issued so far.
func (s *Store) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// CheckpointIfNeeded writes a snapshot when any WAL trigger has fired. The
// owner calls this from a ticker to honor the time trigger between appends.
func (s *Store) CheckpointIfNeeded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wal.NeedsCheckpoint() {
		return nil
	}
	return s.checkpointLocked()
}

// Checkpoint forces a snapshot and truncates the WAL.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *Store) checkpointIfNeededLocked() {
	if !s.wal.NeedsCheckpoint() {
		return
	}
	if err := s.checkpointLocked(); err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("checkpoint failed, WAL keeps growing")
	}
}

// checkpointLocked writes the snapshot first and truncates the WAL second. A
// crash between the two leaves stale WAL records behind; replay filters them
// by sequence number.
func (s *Store) checkpointLocked() error {
	snap := Snapshot{
		LastSequence:   s.lastSeq,
		Jobs:           make([]*types.Job, 0, len(s.jobs)),
		Pending:        append([]string(nil), s.pending...),
		CheckpointedAt: time.Now().UTC(),
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	sortJobs(snap.Jobs)

	if err := atomicfile.WriteJSON(s.layout.QueueSnapshot(), snap); err != nil {
		return fmt.Errorf("failed to write queue snapshot: %w", err)
	}
	if err := s.wal.Reset(); err != nil {
		return err
	}

	metrics.WALCheckpoints.Inc()
	metrics.WALSizeBytes.Set(0)
	return nil
}

// PruneFinished drops terminal jobs older than the retention window and
// checkpoints so the snapshot becomes the source of truth. It returns how
// many jobs were removed.
func (s *Store) PruneFinished(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.checkpointLocked(); err != nil {
		return removed, err
	}
	s.updateMetricsLocked()
	return removed, nil
}

// Close checkpoints and releases the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkpointLocked(); err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("final checkpoint failed")
	}
	return s.wal.Close()
}

func (s *Store) updateMetricsLocked() {
	metrics.QueueDepth.Set(float64(len(s.pending)))
	metrics.JobsTotal.Reset()
	counts := make(map[types.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	for status, n := range counts {
		metrics.JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func sortJobs(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Sequence < jobs[j].Sequence
	})
}

func cloneJob(j *types.Job) *types.Job {
	c := *j
	c.Args = append([]string(nil), j.Args...)
	c.Webhooks = append([]string(nil), j.Webhooks...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.ExitCode != nil {
		e := *j.ExitCode
		c.ExitCode = &e
	}
	return &c
}

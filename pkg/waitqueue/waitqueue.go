package waitqueue

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// document is the persisted form of the waiting queues.
type document struct {
	Queues    map[string][]types.QueuedOperation `json:"queues"`
	UpdatedAt time.Time                          `json:"updated_at"`
}

// Store persists operations waiting for repository locks. Keys are either a
// single repository alias or a composite key covering several repositories.
// Every mutation rewrites waiting-queues.json inside the same critical
// section that mutates the in-memory state.
type Store struct {
	layout workspace.Layout

	mu     sync.Mutex
	queues map[string][]types.QueuedOperation
}

// Open loads waiting-queues.json. A corrupted document is quarantined and the
// store starts fresh.
func Open(layout workspace.Layout) (*Store, error) {
	s := &Store{
		layout: layout,
		queues: make(map[string][]types.QueuedOperation),
	}

	var doc document
	err := atomicfile.ReadJSON(layout.WaitingQueues(), &doc)
	switch {
	case err == nil:
		if doc.Queues != nil {
			s.queues = doc.Queues
		}
	case os.IsNotExist(err):
	default:
		backup := workspace.CorruptedBackupPath(layout.WaitingQueues(), time.Now())
		if renameErr := os.Rename(layout.WaitingQueues(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted waiting queues: %w", renameErr)
		}
		log.WithComponent("waitqueue").Warn().Str("backup", backup).Err(err).Msg("waiting queues corrupted, starting fresh")
	}

	s.updateMetricsLocked()
	return s, nil
}

// Enqueue parks an operation under key and returns its 1-based position.
func (s *Store) Enqueue(key string, op types.QueuedOperation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now().UTC()
	}
	s.queues[key] = append(s.queues[key], op)
	s.renumberLocked(key)

	if err := s.persistLocked(); err != nil {
		q := s.queues[key]
		s.queues[key] = q[:len(q)-1]
		return 0, err
	}
	s.updateMetricsLocked()
	return len(s.queues[key]), nil
}

// Dequeue removes and returns the head waiter for key.
func (s *Store) Dequeue(key string) (*types.QueuedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dequeueLocked(key)
}

func (s *Store) dequeueLocked(key string) (*types.QueuedOperation, error) {
	q := s.queues[key]
	if len(q) == 0 {
		return nil, fmt.Errorf("no waiters for %s", key)
	}

	head := q[0]
	if len(q) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = q[1:]
		s.renumberLocked(key)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	s.updateMetricsLocked()
	return &head, nil
}

// Remove deletes a specific waiter, typically on job cancellation.
func (s *Store) Remove(key, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[key]
	for i, op := range q {
		if op.JobID == jobID {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(s.queues, key)
			} else {
				s.queues[key] = q
				s.renumberLocked(key)
			}
			if err := s.persistLocked(); err != nil {
				return err
			}
			s.updateMetricsLocked()
			return nil
		}
	}
	return fmt.Errorf("job %s is not waiting on %s", jobID, key)
}

// SetPosition moves a waiter to the given 1-based position within its queue.
func (s *Store) SetPosition(key, jobID string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[key]
	idx := -1
	for i, op := range q {
		if op.JobID == jobID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("job %s is not waiting on %s", jobID, key)
	}

	op := q[idx]
	q = append(q[:idx], q[idx+1:]...)
	target := position - 1
	if target < 0 {
		target = 0
	}
	if target > len(q) {
		target = len(q)
	}
	q = append(q[:target], append([]types.QueuedOperation{op}, q[target:]...)...)
	s.queues[key] = q
	s.renumberLocked(key)

	return s.persistLocked()
}

// RecomputeETAs refreshes every waiter's ETA from its position and the p90
// job duration, then persists once.
func (s *Store) RecomputeETAs(p90 time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p90 <= 0 {
		return nil
	}
	now := time.Now().UTC()
	for key, q := range s.queues {
		for i := range q {
			eta := now.Add(time.Duration(q[i].Position) * p90)
			q[i].ETA = &eta
		}
		s.queues[key] = q
	}
	return s.persistLocked()
}

// NextEligible removes and returns the oldest waiter whose entire repository
// set is free. Fairness across queues, including composite waiters that share
// repositories, is FIFO by queued-at; ties break on position. It returns the
// key the waiter was parked under, or ok=false when nothing is eligible.
func (s *Store) NextEligible(isFree func(repository string) bool) (string, *types.QueuedOperation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestKey := ""
	var best *types.QueuedOperation
	for key, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		free := true
		for _, repo := range types.SplitCompositeKey(key) {
			if !isFree(repo) {
				free = false
				break
			}
		}
		if !free {
			continue
		}

		head := q[0]
		if best == nil ||
			head.QueuedAt.Before(best.QueuedAt) ||
			(head.QueuedAt.Equal(best.QueuedAt) && head.Position < best.Position) {
			h := head
			best = &h
			bestKey = key
		}
	}

	if best == nil {
		return "", nil, false, nil
	}

	if _, err := s.dequeueLocked(bestKey); err != nil {
		return "", nil, false, err
	}
	return bestKey, best, true, nil
}

// Waiters returns a copy of the queue for key.
func (s *Store) Waiters(key string) []types.QueuedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.QueuedOperation(nil), s.queues[key]...)
}

// Keys returns all keys with at least one waiter, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.queues))
	for key := range s.queues {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of parked operations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// renumberLocked reassigns 1-based positions after any mutation.
func (s *Store) renumberLocked(key string) {
	q := s.queues[key]
	for i := range q {
		q[i].Position = i + 1
	}
}

func (s *Store) persistLocked() error {
	doc := document{Queues: s.queues, UpdatedAt: time.Now().UTC()}
	if err := atomicfile.WriteJSON(s.layout.WaitingQueues(), doc); err != nil {
		return fmt.Errorf("failed to persist waiting queues: %w", err)
	}
	return nil
}

func (s *Store) updateMetricsLocked() {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	metrics.WaitingOperations.Set(float64(n))
}

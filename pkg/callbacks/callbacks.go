package callbacks

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// MaxAttempts is the delivery cap: one immediate attempt plus three retries.
const MaxAttempts = 4

// retryDelays[n] is the wait before attempt n+1.
var retryDelays = []time.Duration{0, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// document is the persisted form of the pending queue.
type document struct {
	Callbacks []*types.Callback `json:"callbacks"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RecoveryStats summarizes callback recovery for the startup log.
type RecoveryStats struct {
	Loaded  int
	Reset   int
	Overdue int
}

// Store is the durable webhook queue. Every mutation rewrites
// callbacks.queue.json before returning; exhausted and permanently failed
// entries move to failed_callbacks.json.
type Store struct {
	layout workspace.Layout

	mu      sync.Mutex
	entries map[string]*types.Callback

	now func() time.Time
}

// Open loads the pending queue. A corrupted document is quarantined and the
// queue starts empty.
func Open(layout workspace.Layout) (*Store, error) {
	s := &Store{
		layout:  layout,
		entries: make(map[string]*types.Callback),
		now:     time.Now,
	}

	var doc document
	err := atomicfile.ReadJSON(layout.CallbackQueue(), &doc)
	switch {
	case err == nil:
		for _, cb := range doc.Callbacks {
			s.entries[cb.ID] = cb
		}
	case os.IsNotExist(err):
	default:
		backup := workspace.CorruptedBackupPath(layout.CallbackQueue(), time.Now())
		if renameErr := os.Rename(layout.CallbackQueue(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted callback queue: %w", renameErr)
		}
		log.WithComponent("callbacks").Warn().Str("backup", backup).Err(err).Msg("callback queue corrupted, starting fresh")
	}

	s.updateMetricsLocked()
	return s, nil
}

// Recover reverts in-flight entries to pending. An entry was in flight when
// the process died mid-delivery; the endpoint deduplicates by callback id.
func (s *Store) Recover() (RecoveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := RecoveryStats{Loaded: len(s.entries)}
	now := s.now()
	for _, cb := range s.entries {
		if cb.Status == types.CallbackStatusInFlight {
			cb.Status = types.CallbackStatusPending
			cb.UpdatedAt = now.UTC()
			stats.Reset++
		}
		if cb.NextRetryAt.Before(now) {
			stats.Overdue++
		}
	}
	if stats.Reset > 0 {
		if err := s.persistLocked(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Enqueue schedules a webhook for immediate delivery.
func (s *Store) Enqueue(jobID, url string, payload map[string]interface{}) (*types.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cb := &types.Callback{
		ID:          uuid.New().String(),
		JobID:       jobID,
		URL:         url,
		Payload:     payload,
		Status:      types.CallbackStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.entries[cb.ID] = cb
	if err := s.persistLocked(); err != nil {
		delete(s.entries, cb.ID)
		return nil, err
	}
	s.updateMetricsLocked()
	return cloneCallback(cb), nil
}

// Due returns copies of the pending entries whose retry time has arrived.
func (s *Store) Due() []*types.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*types.Callback
	for _, cb := range s.entries {
		if cb.Status == types.CallbackStatusPending && !cb.NextRetryAt.After(now) {
			due = append(due, cloneCallback(cb))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due
}

// MarkInFlight transitions an entry to in-flight before the HTTP attempt.
func (s *Store) MarkInFlight(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("callback %s not found", id)
	}
	cb.Status = types.CallbackStatusInFlight
	cb.UpdatedAt = s.now().UTC()
	return s.persistLocked()
}

// Complete removes a delivered entry.
func (s *Store) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("callback %s not found", id)
	}
	delete(s.entries, id)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.updateMetricsLocked()
	return nil
}

// RecordFailure counts a failed attempt. Retryable failures are rescheduled
// on the backoff ladder until MaxAttempts; everything else, and exhausted
// entries, moves to failed_callbacks.json with the last error. It reports
// whether the entry was retired to the dead-letter file.
func (s *Store) RecordFailure(id, lastError string, retryable bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.entries[id]
	if !ok {
		return false, fmt.Errorf("callback %s not found", id)
	}

	now := s.now().UTC()
	cb.Attempts++
	cb.LastError = lastError
	cb.UpdatedAt = now

	if retryable && cb.Attempts < MaxAttempts {
		cb.Status = types.CallbackStatusPending
		cb.NextRetryAt = now.Add(retryDelays[cb.Attempts])
		if err := s.persistLocked(); err != nil {
			return false, err
		}
		s.updateMetricsLocked()
		return false, nil
	}

	cb.Status = types.CallbackStatusFailed
	if err := s.appendFailedLocked(cb); err != nil {
		return false, err
	}
	delete(s.entries, id)
	if err := s.persistLocked(); err != nil {
		return true, err
	}
	s.updateMetricsLocked()
	return true, nil
}

// Pending returns copies of all queued entries, oldest first.
func (s *Store) Pending() []*types.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Callback, 0, len(s.entries))
	for _, cb := range s.entries {
		out = append(out, cloneCallback(cb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Failed returns the dead-letter list from failed_callbacks.json.
func (s *Store) Failed() ([]*types.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc document
	err := atomicfile.ReadJSON(s.layout.FailedCallbacks(), &doc)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Callbacks, nil
}

func (s *Store) appendFailedLocked(cb *types.Callback) error {
	var doc document
	err := atomicfile.ReadJSON(s.layout.FailedCallbacks(), &doc)
	if err != nil && !os.IsNotExist(err) {
		// The dead-letter file is advisory; never lose the failure over it.
		log.WithComponent("callbacks").Warn().Err(err).Msg("failed_callbacks.json unreadable, rewriting")
		doc = document{}
	}
	doc.Callbacks = append(doc.Callbacks, cloneCallback(cb))
	doc.UpdatedAt = s.now().UTC()
	if err := atomicfile.WriteJSON(s.layout.FailedCallbacks(), doc); err != nil {
		return fmt.Errorf("failed to record exhausted callback: %w", err)
	}
	return nil
}

func (s *Store) persistLocked() error {
	doc := document{
		Callbacks: make([]*types.Callback, 0, len(s.entries)),
		UpdatedAt: s.now().UTC(),
	}
	for _, cb := range s.entries {
		doc.Callbacks = append(doc.Callbacks, cb)
	}
	sort.Slice(doc.Callbacks, func(i, j int) bool {
		return doc.Callbacks[i].CreatedAt.Before(doc.Callbacks[j].CreatedAt)
	})
	if err := atomicfile.WriteJSON(s.layout.CallbackQueue(), doc); err != nil {
		return fmt.Errorf("failed to persist callback queue: %w", err)
	}
	return nil
}

func (s *Store) updateMetricsLocked() {
	metrics.CallbackQueueDepth.Set(float64(len(s.entries)))
}

func cloneCallback(cb *types.Callback) *types.Callback {
	c := *cb
	if cb.Payload != nil {
		c.Payload = make(map[string]interface{}, len(cb.Payload))
		for k, v := range cb.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

package scheduler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// batchDocument is the on-disk shape of batch-state.json.
type batchDocument struct {
	Batches map[string]*types.Batch `json:"batches"`
}

// BatchStore persists batch preparation state. Jobs submitted with a shared
// batch id run one preparation phase: the first member becomes the leader
// and the rest wait in batched_waiting until it completes.
type BatchStore struct {
	mu      sync.Mutex
	layout  workspace.Layout
	batches map[string]*types.Batch
}

// OpenBatches loads batch-state.json. Corruption backs up the file and
// starts fresh; batches are recoverable bookkeeping, not job state.
func OpenBatches(layout workspace.Layout) (*BatchStore, error) {
	s := &BatchStore{layout: layout, batches: make(map[string]*types.Batch)}

	var doc batchDocument
	err := atomicfile.ReadJSON(layout.BatchState(), &doc)
	switch {
	case err == nil:
		if doc.Batches != nil {
			s.batches = doc.Batches
		}
	case os.IsNotExist(err):
	default:
		backup := workspace.CorruptedBackupPath(layout.BatchState(), time.Now())
		if renameErr := os.Rename(layout.BatchState(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted batch state: %w", renameErr)
		}
		log.WithComponent("batches").Warn().Str("backup", backup).Err(err).Msg("batch state corrupted, reinitialized")
	}
	return s, nil
}

// Join adds a job to its batch, creating the batch with this job as leader
// when it is the first member. It reports whether the job leads.
func (s *BatchStore) Join(batchID, repository, jobID string) (leader bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		b = &types.Batch{
			ID:          batchID,
			Repository:  repository,
			LeaderJobID: jobID,
			GitPull:     types.PhaseNotStarted,
			Indexing:    types.PhaseNotStarted,
			CreatedAt:   time.Now().UTC(),
		}
		s.batches[batchID] = b
	}
	b.MemberIDs = append(b.MemberIDs, jobID)

	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return b.LeaderJobID == jobID, nil
}

// Leader returns the leader job id for a batch.
func (s *BatchStore) Leader(batchID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return "", false
	}
	return b.LeaderJobID, true
}

// MarkPreparing moves the batch into its preparation phases as the leader
// starts running.
func (s *BatchStore) MarkPreparing(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil
	}
	b.GitPull = types.PhaseInProgress
	b.Indexing = types.PhaseInProgress
	return s.persistLocked()
}

// Complete finishes the batch and returns the waiting member job ids that
// should now be released. The batch record is removed.
func (s *BatchStore) Complete(batchID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	var members []string
	for _, id := range b.MemberIDs {
		if id != b.LeaderJobID {
			members = append(members, id)
		}
	}
	delete(s.batches, batchID)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return members, nil
}

// Prune drops batches whose leader job no longer exists and returns the
// member job ids left stranded in batched_waiting. The caller requeues them.
func (s *BatchStore) Prune(exists func(jobID string) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stranded []string
	removed := false
	for id, b := range s.batches {
		if exists(b.LeaderJobID) {
			continue
		}
		for _, member := range b.MemberIDs {
			if member != b.LeaderJobID && exists(member) {
				stranded = append(stranded, member)
			}
		}
		delete(s.batches, id)
		removed = true
		log.WithComponent("batches").Warn().Str("batch_id", id).Msg("batch leader gone, batch dropped")
	}
	if removed {
		if err := s.persistLocked(); err != nil {
			return stranded, err
		}
	}
	return stranded, nil
}

// Get returns a copy of the batch record.
func (s *BatchStore) Get(batchID string) (*types.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, false
	}
	cp := *b
	cp.MemberIDs = append([]string(nil), b.MemberIDs...)
	return &cp, true
}

func (s *BatchStore) persistLocked() error {
	if err := atomicfile.WriteJSON(s.layout.BatchState(), batchDocument{Batches: s.batches}); err != nil {
		return fmt.Errorf("failed to persist batch state: %w", err)
	}
	return nil
}

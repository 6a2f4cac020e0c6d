package locks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/proc"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// StaleAge is how long a lock may be held before it is considered abandoned.
// Exactly StaleAge old is stale (inclusive).
const StaleAge = 10 * time.Minute

var (
	// ErrHeld is returned when the repository is already locked.
	ErrHeld = errors.New("repository is locked")
	// ErrUnavailable is returned when degraded mode has marked the
	// repository's lock state unavailable.
	ErrUnavailable = errors.New("repository is unavailable")
)

// releaseMarker records a multi-lock release in progress so an interrupted
// release can be resumed on the next startup.
type releaseMarker struct {
	OperationID  string    `json:"operation_id"`
	Repositories []string  `json:"repositories"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecoveryStats summarizes what lock recovery found, for the startup log.
type RecoveryStats struct {
	Recovered    int
	StaleRemoved int
	Corrupted    []string
}

// Store owns the per-repository lock files. At most one lock exists per
// repository; composite acquisitions take all their locks or none.
type Store struct {
	layout workspace.Layout

	mu          sync.Mutex
	held        map[string]*types.Lock
	unavailable map[string]bool

	// Injectable for tests.
	now      func() time.Time
	pidAlive func(int) bool
}

// Open returns an empty store. Recover loads the on-disk state.
func Open(layout workspace.Layout) *Store {
	return &Store{
		layout:      layout,
		held:        make(map[string]*types.Lock),
		unavailable: make(map[string]bool),
		now:         time.Now,
		pidAlive:    proc.Alive,
	}
}

func (s *Store) markerPath() string {
	return filepath.Join(s.layout.LocksDir(), ".cleanup_in_progress")
}

// Recover loads every lock file, resumes any interrupted release, deletes
// stale locks, and quarantines corrupted ones. A corrupted lock marks only
// that repository unavailable; enforcement stays on for everyone else.
func (s *Store) Recover() (RecoveryStats, error) {
	logger := log.WithComponent("locks")
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats RecoveryStats

	s.resumeReleaseLocked()

	entries, err := os.ReadDir(s.layout.LocksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to list lock files: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".lock.json") {
			continue
		}
		path := filepath.Join(s.layout.LocksDir(), name)
		repo := strings.TrimSuffix(name, ".lock.json")

		var lock types.Lock
		if err := atomicfile.ReadJSON(path, &lock); err != nil {
			backup := workspace.CorruptedBackupPath(path, s.now())
			if renameErr := os.Rename(path, backup); renameErr != nil {
				return stats, fmt.Errorf("failed to quarantine corrupted lock %s: %w", repo, renameErr)
			}
			s.unavailable[repo] = true
			stats.Corrupted = append(stats.Corrupted, repo)
			metrics.MarkDegraded("lock:" + repo)
			logger.Warn().Str("repository", repo).Str("backup", backup).Msg("lock file corrupted, repository marked unavailable")
			continue
		}
		if lock.Repository == "" {
			lock.Repository = repo
		}

		if s.isStale(&lock) {
			if err := os.Remove(path); err != nil {
				return stats, fmt.Errorf("failed to remove stale lock %s: %w", repo, err)
			}
			stats.StaleRemoved++
			logger.Info().Str("repository", repo).Time("acquired_at", lock.AcquiredAt).Msg("removed stale lock")
			continue
		}

		s.held[repo] = &lock
		stats.Recovered++
	}

	metrics.LocksHeld.Set(float64(len(s.held)))
	return stats, nil
}

// resumeReleaseLocked finishes a release that was interrupted mid-way: every
// lock file named by the marker is deleted before normal recovery runs.
func (s *Store) resumeReleaseLocked() {
	logger := log.WithComponent("locks")

	var marker releaseMarker
	err := atomicfile.ReadJSON(s.markerPath(), &marker)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		// Unreadable marker: the named locks are unknown, so leave them to
		// staleness and clear the marker.
		logger.Warn().Err(err).Msg("release marker corrupted, discarding")
		os.Remove(s.markerPath())
		return
	}

	for _, repo := range marker.Repositories {
		path := s.layout.LockFile(repo)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Str("repository", repo).Err(err).Msg("failed to finish interrupted release")
			continue
		}
	}
	logger.Info().Str("operation_id", marker.OperationID).Strs("repositories", marker.Repositories).Msg("resumed interrupted lock release")
	os.Remove(s.markerPath())
}

// isStale classifies a lock. Stale means held at least StaleAge, or the
// holder PID is gone. A future acquire time is clock skew: fresh, warned.
// A live PID with a stale timestamp is still stale; the holder is assumed
// hung.
func (s *Store) isStale(lock *types.Lock) bool {
	age := s.now().Sub(lock.AcquiredAt)
	if age < 0 {
		log.WithComponent("locks").Warn().
			Str("repository", lock.Repository).
			Time("acquired_at", lock.AcquiredAt).
			Msg("lock acquired in the future, treating as fresh")
		return false
	}
	if age >= StaleAge {
		return true
	}
	if lock.PID > 0 && !s.pidAlive(lock.PID) {
		return true
	}
	return false
}

// Acquire takes the lock for a single repository.
func (s *Store) Acquire(repository, jobID, operation, operationID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLocked(repository, jobID, operation, operationID, pid)
}

func (s *Store) acquireLocked(repository, jobID, operation, operationID string, pid int) error {
	if s.unavailable[repository] {
		return fmt.Errorf("%w: %s", ErrUnavailable, repository)
	}
	if _, held := s.held[repository]; held {
		metrics.LockConflicts.Inc()
		return fmt.Errorf("%w: %s", ErrHeld, repository)
	}

	lock := &types.Lock{
		Repository:  repository,
		JobID:       jobID,
		Operation:   operation,
		OperationID: operationID,
		AcquiredAt:  s.now().UTC(),
		PID:         pid,
	}
	if err := atomicfile.WriteJSON(s.layout.LockFile(repository), lock); err != nil {
		return fmt.Errorf("failed to write lock for %s: %w", repository, err)
	}

	s.held[repository] = lock
	metrics.LocksHeld.Set(float64(len(s.held)))
	return nil
}

// AcquireComposite takes the locks for every repository or none: attempts in
// sorted order, rolling back everything acquired so far on the first
// conflict.
func (s *Store) AcquireComposite(repositories []string, jobID, operation, operationID string, pid int) error {
	sorted := append([]string(nil), repositories...)
	sort.Strings(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()

	var acquired []string
	for _, repo := range sorted {
		if err := s.acquireLocked(repo, jobID, operation, operationID, pid); err != nil {
			for _, undo := range acquired {
				s.releaseLocked(undo)
			}
			return fmt.Errorf("composite acquire failed on %s: %w", repo, err)
		}
		acquired = append(acquired, repo)
	}
	return nil
}

// Release frees a single repository lock.
func (s *Store) Release(repository string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(repository)
}

func (s *Store) releaseLocked(repository string) error {
	if err := os.Remove(s.layout.LockFile(repository)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock for %s: %w", repository, err)
	}
	delete(s.held, repository)
	metrics.LocksHeld.Set(float64(len(s.held)))
	return nil
}

// ReleaseComposite frees a set of locks. The release is recorded in a marker
// first so a crash mid-way is resumed on the next startup.
func (s *Store) ReleaseComposite(repositories []string, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if operationID == "" {
		operationID = uuid.New().String()
	}
	marker := releaseMarker{
		OperationID:  operationID,
		Repositories: append([]string(nil), repositories...),
		CreatedAt:    s.now().UTC(),
	}
	if err := atomicfile.WriteJSON(s.markerPath(), marker); err != nil {
		return fmt.Errorf("failed to write release marker: %w", err)
	}

	for _, repo := range repositories {
		if err := s.releaseLocked(repo); err != nil {
			return err
		}
	}

	if err := os.Remove(s.markerPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove release marker: %w", err)
	}
	return nil
}

// Holder returns the current lock for a repository, if held.
func (s *Store) Holder(repository string) (*types.Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.held[repository]
	if !ok {
		return nil, false
	}
	c := *lock
	return &c, true
}

// IsLocked reports whether the repository is currently held.
func (s *Store) IsLocked(repository string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.held[repository]
	return held
}

// IsAvailable reports whether degraded mode allows locking the repository.
func (s *Store) IsAvailable(repository string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable[repository]
}

// MarkAvailable clears the degraded flag for a repository, typically after
// an operator repaired its lock state.
func (s *Store) MarkAvailable(repository string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unavailable, repository)
	metrics.ClearDegraded("lock:" + repository)
}

// Unavailable lists repositories marked unavailable by degraded mode.
func (s *Store) Unavailable() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.unavailable))
	for repo := range s.unavailable {
		out = append(out, repo)
	}
	sort.Strings(out)
	return out
}

// Held lists the repositories currently locked, sorted.
func (s *Store) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for repo := range s.held {
		out = append(out, repo)
	}
	sort.Strings(out)
	return out
}

package orphans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// DefaultGracePeriod is how old a workspace without a sentinel must be
// before it is considered orphaned. Younger workspaces may belong to a job
// that has not written its first heartbeat yet.
const DefaultGracePeriod = 10 * time.Minute

// Runtime is the slice of the container runtime the scanner needs.
type Runtime interface {
	ListContainers(ctx context.Context, prefix string) ([]string, error)
	DeleteContainer(ctx context.Context, containerID string) error
}

// resource types recorded in cleanup markers.
const (
	resourceContainer = "container"
	resourceStaging   = "staging"
	resourceIndex     = "index"
	resourceWorkspace = "workspace"
)

// markerResource is one pending deletion inside a cleanup marker.
type markerResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Done bool   `json:"done"`
}

// cleanupMarker is the transactional record written before any deletion.
// An interrupted cleanup is resumed from this file on the next startup.
type cleanupMarker struct {
	JobID     string           `json:"job_id"`
	CreatedAt time.Time        `json:"created_at"`
	Resources []markerResource `json:"resources"`
}

// Stats summarizes one cleanup pass.
type Stats struct {
	WorkspacesScanned int
	WorkspacesCleaned int
	ContainersRemoved int
	IndexesRemoved    int
	StagingArchived   int
	CleanupsResumed   int
	DeletionsAborted  int
}

// Scanner classifies workspaces, containers, and index directories, and
// removes orphans transactionally.
type Scanner struct {
	layout  workspace.Layout
	monitor *sentinel.Monitor
	runtime Runtime
	prefix  string
	grace   time.Duration

	// repoExists reports whether an index directory's repository is still
	// registered. Nil keeps all index directories.
	repoExists func(repository string) bool

	now func() time.Time
}

// New creates a scanner. runtime may be nil when no container runtime is
// configured; container scanning is skipped in that case.
func New(layout workspace.Layout, monitor *sentinel.Monitor, rt Runtime, prefix string, grace time.Duration, repoExists func(string) bool) *Scanner {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Scanner{
		layout:     layout,
		monitor:    monitor,
		runtime:    rt,
		prefix:     prefix,
		grace:      grace,
		repoExists: repoExists,
		now:        time.Now,
	}
}

// Cleanup resumes any interrupted cleanups, then scans for orphans and
// removes them. It is the Orphans recovery phase entry point.
func (s *Scanner) Cleanup(ctx context.Context) (Stats, error) {
	var stats Stats
	logger := log.WithComponent("orphans")

	resumed, err := s.resumeInterrupted(ctx, &stats)
	if err != nil {
		return stats, err
	}
	stats.CleanupsResumed = resumed

	entries, err := os.ReadDir(s.layout.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	live := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		jobID := entry.Name()
		stats.WorkspacesScanned++

		orphaned, reason := s.classify(jobID)
		if !orphaned {
			live[jobID] = true
			continue
		}
		logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("orphaned workspace found")

		if err := s.cleanupJob(ctx, jobID, &stats); err != nil {
			logger.Warn().Str("job_id", jobID).Err(err).Msg("workspace cleanup failed")
			continue
		}
	}

	if err := s.cleanupContainers(ctx, live, &stats); err != nil {
		logger.Warn().Err(err).Msg("container cleanup failed")
	}
	s.cleanupIndexes(&stats)

	metrics.OrphansCleaned.WithLabelValues(resourceWorkspace).Add(float64(stats.WorkspacesCleaned))
	metrics.OrphansCleaned.WithLabelValues(resourceContainer).Add(float64(stats.ContainersRemoved))
	metrics.OrphansCleaned.WithLabelValues(resourceIndex).Add(float64(stats.IndexesRemoved))
	return stats, nil
}

// classify decides whether a job workspace is orphaned. A fresh sentinel is
// active and never touched; stale or dead sentinels are orphaned; a missing
// sentinel orphans the workspace only past the grace period.
func (s *Scanner) classify(jobID string) (orphaned bool, reason string) {
	sent, liveness, err := s.monitor.Read(jobID)
	if err == nil && sent != nil {
		switch liveness {
		case types.LivenessFresh:
			return false, ""
		case types.LivenessStale:
			// Warn only; a stale job may still be making progress.
			log.WithJobID(jobID).Warn().Msg("stale sentinel, leaving workspace alone")
			return false, ""
		default:
			return true, "dead sentinel"
		}
	}

	info, statErr := os.Stat(s.layout.JobDir(jobID))
	if statErr != nil {
		return false, ""
	}
	if s.now().Sub(info.ModTime()) < s.grace {
		return false, ""
	}
	return true, "no sentinel past grace period"
}

// cleanupJob removes one orphaned workspace transactionally: marker first,
// each resource marked done as it goes, workspace directory last. A second
// heartbeat read immediately before deletion aborts if the job came alive.
func (s *Scanner) cleanupJob(ctx context.Context, jobID string, stats *Stats) error {
	marker := cleanupMarker{
		JobID:     jobID,
		CreatedAt: s.now().UTC(),
	}
	if s.runtime != nil {
		marker.Resources = append(marker.Resources, markerResource{Type: resourceContainer, ID: s.prefix + jobID})
	}
	if _, err := os.Stat(s.layout.StagingDir(jobID)); err == nil {
		marker.Resources = append(marker.Resources, markerResource{Type: resourceStaging, ID: s.layout.StagingDir(jobID)})
	}
	marker.Resources = append(marker.Resources, markerResource{Type: resourceWorkspace, ID: s.layout.JobDir(jobID)})

	markerPath := s.layout.CleanupMarker(jobID)
	if err := atomicfile.WriteJSON(markerPath, marker); err != nil {
		return fmt.Errorf("failed to write cleanup marker: %w", err)
	}

	return s.executeMarker(ctx, jobID, markerPath, &marker, stats)
}

// executeMarker runs (or resumes) the deletions a marker describes.
func (s *Scanner) executeMarker(ctx context.Context, jobID, markerPath string, marker *cleanupMarker, stats *Stats) error {
	for i := range marker.Resources {
		res := &marker.Resources[i]
		if res.Done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch res.Type {
		case resourceContainer:
			if s.runtime != nil {
				if err := s.runtime.DeleteContainer(ctx, res.ID); err != nil {
					log.WithJobID(jobID).Warn().Str("container", res.ID).Err(err).Msg("failed to remove container")
				} else {
					stats.ContainersRemoved++
				}
			}
		case resourceStaging:
			archive := s.layout.StagingArchive(jobID, s.now())
			if err := os.Rename(res.ID, archive); err != nil {
				if !os.IsNotExist(err) {
					return fmt.Errorf("failed to archive staging dir: %w", err)
				}
			} else {
				stats.StagingArchived++
			}
		case resourceWorkspace:
			// Double-check heartbeat right before the destructive step.
			if sent, liveness, err := s.monitor.Read(jobID); err == nil && sent != nil && liveness == types.LivenessFresh {
				stats.DeletionsAborted++
				os.Remove(markerPath)
				log.WithJobID(jobID).Info().Msg("heartbeat reappeared, cleanup aborted")
				return nil
			}
			if err := os.RemoveAll(res.ID); err != nil {
				return fmt.Errorf("failed to remove workspace: %w", err)
			}
			stats.WorkspacesCleaned++
			// The marker lived inside the workspace and is gone with it.
			return nil
		}

		res.Done = true
		if err := atomicfile.WriteJSON(markerPath, marker); err != nil {
			return fmt.Errorf("failed to update cleanup marker: %w", err)
		}
	}

	return os.Remove(markerPath)
}

// resumeInterrupted finds cleanup markers left behind by a crash and
// finishes them.
func (s *Scanner) resumeInterrupted(ctx context.Context, stats *Stats) (int, error) {
	entries, err := os.ReadDir(s.layout.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	resumed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		markerPath := s.layout.CleanupMarker(jobID)

		var marker cleanupMarker
		if err := atomicfile.ReadJSON(markerPath, &marker); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			// Unreadable marker: the deletions it tracked cannot be
			// trusted, restart the cleanup from scratch.
			os.Remove(markerPath)
			log.WithJobID(jobID).Warn().Err(err).Msg("corrupted cleanup marker discarded")
			continue
		}

		log.WithJobID(jobID).Info().Msg("resuming interrupted cleanup")
		if err := s.executeMarker(ctx, jobID, markerPath, &marker, stats); err != nil {
			log.WithJobID(jobID).Warn().Err(err).Msg("failed to resume cleanup")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// cleanupContainers removes prefix-scoped containers whose job has no live
// workspace.
func (s *Scanner) cleanupContainers(ctx context.Context, live map[string]bool, stats *Stats) error {
	if s.runtime == nil {
		return nil
	}
	ids, err := s.runtime.ListContainers(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, id := range ids {
		jobID := strings.TrimPrefix(id, s.prefix)
		if live[jobID] {
			continue
		}
		if err := s.runtime.DeleteContainer(ctx, id); err != nil {
			log.WithComponent("orphans").Warn().Str("container", id).Err(err).Msg("failed to remove orphaned container")
			continue
		}
		stats.ContainersRemoved++
	}
	return nil
}

// cleanupIndexes removes index directories whose repository is no longer
// registered.
func (s *Scanner) cleanupIndexes(stats *Stats) {
	if s.repoExists == nil {
		return
	}
	entries, err := os.ReadDir(s.layout.IndicesDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || s.repoExists(entry.Name()) {
			continue
		}
		dir := filepath.Join(s.layout.IndicesDir(), entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.WithComponent("orphans").Warn().Str("index", dir).Err(err).Msg("failed to remove orphaned index")
			continue
		}
		stats.IndexesRemoved++
	}
}

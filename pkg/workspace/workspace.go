package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// backupTimeFormat is the timestamp suffix layout for corrupted-file backups.
const backupTimeFormat = "20060102T150405Z"

// Layout resolves every durable file and directory under the workspace root.
// All server components receive a Layout instead of raw paths so the on-disk
// contract lives in one place.
type Layout struct {
	Root string
}

// New returns a Layout rooted at dir.
func New(dir string) Layout {
	return Layout{Root: dir}
}

// EnsureDirs creates the workspace directory tree. It is idempotent.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.Root,
		l.LocksDir(),
		l.JobsDir(),
		l.IndicesDir(),
		l.ContextRepositoryDir(),
		l.ArchiveDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create workspace directory %s: %w", d, err)
		}
	}
	return nil
}

// QueueWAL is the append-only queue write-ahead log.
func (l Layout) QueueWAL() string {
	return filepath.Join(l.Root, "queue.wal")
}

// QueueSnapshot is the checkpointed queue state.
func (l Layout) QueueSnapshot() string {
	return filepath.Join(l.Root, "queue-snapshot.json")
}

// Statistics is the real-time statistics document.
func (l Layout) Statistics() string {
	return filepath.Join(l.Root, "statistics.json")
}

// WaitingQueues is the persisted waiting-queue state.
func (l Layout) WaitingQueues() string {
	return filepath.Join(l.Root, "waiting-queues.json")
}

// CallbackQueue is the durable webhook queue.
func (l Layout) CallbackQueue() string {
	return filepath.Join(l.Root, "callbacks.queue.json")
}

// FailedCallbacks holds callbacks that exhausted their retry schedule.
func (l Layout) FailedCallbacks() string {
	return filepath.Join(l.Root, "failed_callbacks.json")
}

// BatchState tracks batch preparation phases.
func (l Layout) BatchState() string {
	return filepath.Join(l.Root, "batch-state.json")
}

// StartupLog is the read-only startup report history.
func (l Layout) StartupLog() string {
	return filepath.Join(l.Root, "startup-log.json")
}

// StartupMarker exists only while a startup is in progress; finding one at
// boot means the previous startup aborted.
func (l Layout) StartupMarker() string {
	return filepath.Join(l.Root, ".startup_marker.json")
}

// Repositories is the golden-repository and activation registry.
func (l Layout) Repositories() string {
	return filepath.Join(l.Root, "repositories.json")
}

// Catalog is the bbolt index-generation catalog.
func (l Layout) Catalog() string {
	return filepath.Join(l.Root, "catalog.db")
}

// LocksDir holds one lock file per repository.
func (l Layout) LocksDir() string {
	return filepath.Join(l.Root, "locks")
}

// LockFile is the lock file for a repository alias or composite key.
func (l Layout) LockFile(repository string) string {
	return filepath.Join(l.LocksDir(), sanitize(repository)+".lock.json")
}

// JobsDir holds one directory per job.
func (l Layout) JobsDir() string {
	return filepath.Join(l.Root, "jobs")
}

// JobDir is the per-job workspace directory.
func (l Layout) JobDir(jobID string) string {
	return filepath.Join(l.JobsDir(), sanitize(jobID))
}

// SentinelFile is the heartbeat file maintained by the job's adaptor.
func (l Layout) SentinelFile(jobID string) string {
	return filepath.Join(l.JobDir(jobID), ".sentinel.json")
}

// OutputFile is the duplexed output file for a job session. It is the
// authoritative source for job output after a restart.
func (l Layout) OutputFile(jobID, sessionID string) string {
	return filepath.Join(l.JobDir(jobID), sanitize(sessionID)+".output")
}

// CleanupMarker exists only while a transactional cleanup of the job's
// resources is in progress.
func (l Layout) CleanupMarker(jobID string) string {
	return filepath.Join(l.JobDir(jobID), ".cleanup_in_progress")
}

// StagingDir holds uncommitted staged changes for a job.
func (l Layout) StagingDir(jobID string) string {
	return filepath.Join(l.JobDir(jobID), ".staging")
}

// IndicesDir holds per-repository index directories.
func (l Layout) IndicesDir() string {
	return filepath.Join(l.Root, "indices")
}

// IndexDir is the index directory for a repository.
func (l Layout) IndexDir(repository string) string {
	return filepath.Join(l.IndicesDir(), sanitize(repository))
}

// ContextRepositoryDir holds per-session context documents.
func (l Layout) ContextRepositoryDir() string {
	return filepath.Join(l.Root, "context_repository")
}

// ContextFile is the context document for a session.
func (l Layout) ContextFile(sessionID string) string {
	return filepath.Join(l.ContextRepositoryDir(), sanitize(sessionID)+".md")
}

// ArchiveDir receives staged changes rescued before workspace deletion.
func (l Layout) ArchiveDir() string {
	return filepath.Join(l.Root, "archive")
}

// StagingArchive is the backup destination for a job's staged changes.
func (l Layout) StagingArchive(jobID string, now time.Time) string {
	name := fmt.Sprintf("%s-staging-%s", sanitize(jobID), now.UTC().Format(backupTimeFormat))
	return filepath.Join(l.ArchiveDir(), name)
}

// CorruptedBackupPath returns the destination for quarantining a corrupted
// persistence file: the original path plus ".corrupted.{timestamp}".
func CorruptedBackupPath(path string, now time.Time) string {
	return path + ".corrupted." + now.UTC().Format(backupTimeFormat)
}

// sanitize keeps identifiers from escaping their directory. Repository
// aliases and ids are flat names; path separators are replaced rather than
// rejected so a malformed id degrades to an odd filename instead of a
// traversal.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return strings.ReplaceAll(name, "..", "_")
}

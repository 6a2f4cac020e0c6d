package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Job represents a unit of work executed against an activated repository.
// Jobs are created on submit, mutated only by the scheduler and its executor,
// and destroyed on retention expiry.
type Job struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Owner      string     `json:"owner"`
	Repository string     `json:"repository"`
	Args       []string   `json:"args"`
	Sequence   uint64     `json:"sequence"`
	SessionID  string     `json:"session_id"`
	Engine     string     `json:"engine,omitempty"`
	BatchID    string     `json:"batch_id,omitempty"`
	Webhooks   []string   `json:"webhooks,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusBatchedWaiting JobStatus = "batched_waiting"
	JobStatusRunning        JobStatus = "running"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// QueuedOperation is a queue entry waiting for one repository (or a
// composite set of repositories) to become available. Positions are
// 1-based and recalculated on every queue mutation.
type QueuedOperation struct {
	JobID     string     `json:"job_id"`
	User      string     `json:"user"`
	Operation string     `json:"operation"`
	QueuedAt  time.Time  `json:"queued_at"`
	Position  int        `json:"position"`
	ETA       *time.Time `json:"eta,omitempty"`
}

// Lock is the durable record of a repository lock. At most one lock per
// repository exists at any instant.
type Lock struct {
	Repository  string    `json:"repository"`
	JobID       string    `json:"job_id"`
	Operation   string    `json:"operation"`
	AcquiredAt  time.Time `json:"acquired_at"`
	PID         int       `json:"pid"`
	OperationID string    `json:"operation_id"`
}

// Sentinel is the heartbeat record written by a running adaptor. The
// adaptor rewrites it every 30 seconds for as long as it is alive.
type Sentinel struct {
	JobID         string    `json:"job_id"`
	PID           int       `json:"pid"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Engine        string    `json:"engine"`
	Host          string    `json:"host"`
}

// Liveness classifies a sentinel by heartbeat age and process state.
type Liveness string

const (
	LivenessFresh Liveness = "fresh"
	LivenessStale Liveness = "stale"
	LivenessDead  Liveness = "dead"
)

// Callback is one durable webhook delivery.
type Callback struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	URL         string         `json:"url"`
	Payload     map[string]any `json:"payload"`
	Attempts    int            `json:"attempts"`
	Status      CallbackStatus `json:"status"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CallbackStatus represents the delivery state of a callback
type CallbackStatus string

const (
	CallbackStatusPending   CallbackStatus = "pending"
	CallbackStatusInFlight  CallbackStatus = "in_flight"
	CallbackStatusCompleted CallbackStatus = "completed"
	CallbackStatusFailed    CallbackStatus = "failed"
)

// PhaseState tracks one step of a batch preparation phase
type PhaseState string

const (
	PhaseNotStarted PhaseState = "not_started"
	PhaseInProgress PhaseState = "in_progress"
	PhaseCompleted  PhaseState = "completed"
)

// Batch groups jobs that share one preparation phase (git pull + indexing)
// on the same repository. The leader performs preparation; members wait in
// batched_waiting until it completes.
type Batch struct {
	ID          string     `json:"id"`
	Repository  string     `json:"repository"`
	LeaderJobID string     `json:"leader_job_id"`
	MemberIDs   []string   `json:"member_ids"`
	GitPull     PhaseState `json:"git_pull"`
	Indexing    PhaseState `json:"indexing"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ProxyConfig is the on-disk configuration of a proxy root. Paths in
// DiscoveredRepos are always relative to the proxy root and sorted.
type ProxyConfig struct {
	ProxyMode       bool      `json:"proxy_mode"`
	DiscoveredRepos []string  `json:"discovered_repos"`
	Version         string    `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
}

// ResourceUsage is one sample of per-job resource consumption.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryMiB   float64   `json:"memory_mib"`
	DurationSec float64   `json:"duration_sec"`
	Timestamp   time.Time `json:"timestamp"`
}

// Percentiles holds the p90 estimates recomputed from the usage ring.
type Percentiles struct {
	DurationSec float64 `json:"duration_sec"`
	MemoryMiB   float64 `json:"memory_mib"`
	CPUPercent  float64 `json:"cpu_percent"`
}

// Capacity summarizes scheduler headroom at snapshot time.
type Capacity struct {
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	RunningJobs       int `json:"running_jobs"`
	QueuedJobs        int `json:"queued_jobs"`
}

// StatisticsSnapshot is the real-time statistics document. Every mutation
// is persisted before the statistics gate is released.
type StatisticsSnapshot struct {
	TotalJobsProcessed int64           `json:"total_jobs_processed"`
	Usage              []ResourceUsage `json:"usage"`
	P90                Percentiles     `json:"p90"`
	Capacity           Capacity        `json:"capacity"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// StartupMarker exists on disk only while a startup is in progress. A
// marker found at boot means the previous startup aborted.
type StartupMarker struct {
	StartupID       string    `json:"startup_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedPhases []string  `json:"completed_phases"`
	CurrentPhase    string    `json:"current_phase"`
}

// PhaseStatus is the outcome of one recovery phase
type PhaseStatus string

const (
	PhaseStatusSuccess        PhaseStatus = "success"
	PhaseStatusPartialSuccess PhaseStatus = "partial_success"
	PhaseStatusFailed         PhaseStatus = "failed"
	PhaseStatusSkipped        PhaseStatus = "skipped"
)

// PhaseOperation is one startup-log entry describing a recovery phase run.
type PhaseOperation struct {
	Phase    string         `json:"phase"`
	Status   PhaseStatus    `json:"status"`
	Duration time.Duration  `json:"duration_ns"`
	Counts   map[string]int `json:"counts,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// StartupReport summarizes one complete startup: phase outcomes, degraded
// resources, and total duration.
type StartupReport struct {
	StartupID          string           `json:"startup_id"`
	StartedAt          time.Time        `json:"started_at"`
	TotalDuration      time.Duration    `json:"total_duration_ns"`
	DegradedMode       bool             `json:"degraded_mode"`
	CorruptedResources []string         `json:"corrupted_resources,omitempty"`
	Operations         []PhaseOperation `json:"operations"`
}

// StartupLog is the persisted, read-only audit of the current startup and a
// bounded history of prior ones.
type StartupLog struct {
	Current *StartupReport  `json:"current,omitempty"`
	History []StartupReport `json:"history,omitempty"`
}

// ExecutionResult captures the outcome of one child process run against one
// repository during proxy fan-out.
type ExecutionResult struct {
	Repository string    `json:"repository"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// Succeeded reports whether the child exited cleanly.
func (r ExecutionResult) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// QueryResult is a single scored match returned by a repository-local
// query, annotated with its source repository during aggregation.
type QueryResult struct {
	Score      float64 `json:"score"`
	SourceRepo string  `json:"source_repo"`
	File       string  `json:"file"`
	Line       int     `json:"line,omitempty"`
	Content    string  `json:"content,omitempty"`
}

// CompositeKeyPrefix marks queue and lock keys that span multiple
// repositories.
const CompositeKeyPrefix = "COMPOSITE#"

// CompositeKey builds the canonical composite queue key for a repository
// set: alphabetical, joined with '+'.
func CompositeKey(repos []string) string {
	sorted := make([]string, len(repos))
	copy(sorted, repos)
	sort.Strings(sorted)
	return CompositeKeyPrefix + strings.Join(sorted, "+")
}

// SplitCompositeKey returns the repositories named by a composite key, or
// the key itself as a single-element slice when it is not composite.
func SplitCompositeKey(key string) []string {
	if !strings.HasPrefix(key, CompositeKeyPrefix) {
		return []string{key}
	}
	return strings.Split(strings.TrimPrefix(key, CompositeKeyPrefix), "+")
}

// IsCompositeKey reports whether key names a composite repository set.
func IsCompositeKey(key string) bool {
	return strings.HasPrefix(key, CompositeKeyPrefix)
}

// GoldenRepository is an admin-maintained source repository from which
// activations are cloned.
type GoldenRepository struct {
	Alias     string    `json:"alias"`
	URL       string    `json:"url"`
	Branch    string    `json:"branch"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Activation is a per-user clone and index of a golden repository.
type Activation struct {
	Alias       string    `json:"alias"`
	GoldenAlias string    `json:"golden_alias"`
	Owner       string    `json:"owner"`
	Branch      string    `json:"branch"`
	ActivatedAt time.Time `json:"activated_at"`
}

// IndexGeneration records one completed indexing pass over a repository
// branch. Generations back the temporal index bookkeeping.
type IndexGeneration struct {
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit,omitempty"`
	Generation uint64    `json:"generation"`
	JobID      string    `json:"job_id"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// String renders a short human-readable job description for logs.
func (j *Job) String() string {
	return fmt.Sprintf("%s [%s] %s seq=%d", j.ID, j.Status, j.Repository, j.Sequence)
}

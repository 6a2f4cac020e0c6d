/*
Package types defines the core data structures used throughout cidx.

This package contains all fundamental types that represent the platform's
domain model: jobs and their lifecycle, queued operations, repository locks,
adaptor sentinels, webhook callbacks, batches, proxy configuration, runtime
statistics, and the startup audit records produced by crash recovery. These
types are used by every other package for state management, persistence, and
API responses.

# Core Types

Job execution:
  - Job: a unit of work against an activated repository, ordered by a
    monotonic sequence number
  - JobStatus: queued, batched_waiting, running, completed, failed, cancelled
  - Batch: jobs sharing one preparation phase on a repository

Coordination:
  - Lock: per-repository mutual exclusion record (at most one per repository)
  - QueuedOperation: an entry in a repository (or composite) wait queue
  - Sentinel: the heartbeat file of a running adaptor
  - Liveness: fresh / stale / dead classification of a sentinel

Durability and audit:
  - Callback: a durable webhook delivery with its retry state
  - StatisticsSnapshot: real-time statistics persisted on every change
  - StartupMarker, StartupReport, StartupLog: crash-recovery audit trail

Proxy:
  - ProxyConfig: discovered sub-repositories of a proxy root
  - ExecutionResult: per-repository outcome of a fanned-out command
  - QueryResult: one scored match tagged with its source repository

Composite repositories are addressed by string keys of the form
"COMPOSITE#repoA+repoB" (alphabetical). CompositeKey, SplitCompositeKey and
IsCompositeKey convert between key and repository-set forms; recovery
components re-link cross-references by these identifiers rather than by
shared pointers.

All persisted types serialize to JSON with snake_case field names. The JSON
documents on disk are always complete: writers go through pkg/atomicfile so
readers observe either the previous or the new state, never a partial file.
*/
package types

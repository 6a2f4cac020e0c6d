// Package recovery orchestrates the server's startup phases: topological
// ordering, aborted-startup detection via a marker file, retry with
// backoff, degraded-mode bookkeeping, and the persisted startup log.
package recovery

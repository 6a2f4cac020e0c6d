// Package locks implements per-repository lock files with stale detection.
//
// A repository is locked by atomically writing locks/{repo}.lock.json and
// freed by deleting it. Recovery classifies every lock on startup: locks held
// ten minutes or longer (inclusive) or whose holder PID is gone are removed;
// corrupted lock files are quarantined and only that repository is marked
// unavailable. Composite acquisitions take their locks in sorted order and
// roll back on the first conflict, so callers observe all-or-nothing.
package locks

// Package errfmt renders per-repository command failures in one canonical
// layout with actionable hints. Errors go to stdout so they interleave with
// successes in chronological order.
package errfmt

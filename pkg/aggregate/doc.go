// Package aggregate merges per-repository query results into a single
// score-ordered list with a global result limit.
package aggregate

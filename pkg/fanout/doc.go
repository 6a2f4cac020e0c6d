// Package fanout runs a command across the proxy's discovered repositories:
// in parallel with captured per-repo results, sequentially with progress
// reporting and continuation on failure, or as a query with score-merged
// aggregation.
package fanout

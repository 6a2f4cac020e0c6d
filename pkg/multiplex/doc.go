// Package multiplex supervises one long-running watch process per
// repository and merges their output onto a single stream: every line is
// prefixed with its repository, queued through a bounded channel, and
// written by a single writer in arrival order. Shutdown propagates SIGTERM
// with a kill grace period and a bounded drain.
package multiplex

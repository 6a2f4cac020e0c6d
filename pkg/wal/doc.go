// Package wal implements the append-only write-ahead log backing the durable
// job queue.
//
// Records are JSON lines, one per queue mutation, flushed to disk before the
// mutation is acknowledged. The owner checkpoints the queue to a snapshot and
// truncates the log when NeedsCheckpoint fires. Replay tolerates torn or
// corrupt trailing records by skipping them, so a crash mid-append costs at
// most the record being written.
package wal

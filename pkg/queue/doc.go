// Package queue implements the durable FIFO job queue.
//
// State lives in three places that the Store keeps consistent: the in-memory
// maps, the write-ahead log (every mutation, flushed before acknowledgment),
// and queue-snapshot.json (complete state, rewritten at checkpoints). After a
// crash the queue recovers by loading the snapshot and replaying WAL records
// with a higher sequence number. Ordering is strict FIFO by sequence number
// and positions are 1-based.
package queue

// Package callbacks implements the durable webhook queue.
//
// Entries live in callbacks.queue.json and are delivered at most four times:
// immediately, then 30 seconds, 2 minutes, and 10 minutes after each failed
// attempt. 2xx completes an entry; 4xx other than 408 and 429 fails it
// without retry; network errors and 5xx consume an attempt and reschedule.
// Entries that were in flight during a crash revert to pending on recovery,
// and exhausted entries are retired to failed_callbacks.json.
package callbacks

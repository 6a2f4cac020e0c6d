// Package sentinel implements the per-job heartbeat contract.
//
// The Writer side runs inside the adaptor child: it refreshes
// jobs/{jobId}/.sentinel.json every thirty seconds and duplexes engine output
// into jobs/{jobId}/{sessionId}.output, flushing each write. The Monitor side
// runs in the server: it scans sentinels and classifies each job as fresh
// (under two minutes), stale (two to ten minutes, warn only), or dead (ten
// minutes or a vanished PID). Reattachment after a restart trusts the output
// file, not the original child's captured stdout.
package sentinel

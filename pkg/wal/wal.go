package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
)

// OpType is a queue mutation recorded in the log.
type OpType string

const (
	OpEnqueue        OpType = "enqueue"
	OpDequeue        OpType = "dequeue"
	OpStatusChange   OpType = "status_change"
	OpPositionUpdate OpType = "position_update"
)

// Record is one JSONL entry in the log. Enqueue records carry the full job
// payload; the other operations reference the job by id.
type Record struct {
	Sequence  uint64          `json:"sequence"`
	Op        OpType          `json:"op"`
	JobID     string          `json:"job_id,omitempty"`
	Job       *types.Job      `json:"job,omitempty"`
	Status    types.JobStatus `json:"status,omitempty"`
	Position  int             `json:"position,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate reports whether the record is well-formed enough to replay.
func (r Record) Validate() error {
	if r.Sequence == 0 {
		return fmt.Errorf("record has no sequence number")
	}
	switch r.Op {
	case OpEnqueue:
		if r.Job == nil {
			return fmt.Errorf("enqueue record %d has no job payload", r.Sequence)
		}
	case OpDequeue, OpStatusChange, OpPositionUpdate:
		if r.JobID == "" {
			return fmt.Errorf("%s record %d has no job id", r.Op, r.Sequence)
		}
	default:
		return fmt.Errorf("record %d has unknown operation %q", r.Sequence, r.Op)
	}
	return nil
}

// Options control when the owner should checkpoint and truncate the log.
type Options struct {
	MaxOps   int
	MaxAge   time.Duration
	MaxBytes int64
}

// DefaultOptions returns the standard checkpoint triggers: 100 operations,
// 5 minutes, or 10 MiB, whichever comes first.
func DefaultOptions() Options {
	return Options{
		MaxOps:   100,
		MaxAge:   5 * time.Minute,
		MaxBytes: 10 << 20,
	}
}

// WAL is an append-only JSONL write-ahead log. Every append is flushed to
// disk before it returns.
type WAL struct {
	path string
	opts Options

	mu             sync.Mutex
	f              *os.File
	size           int64
	appends        int
	lastCheckpoint time.Time
}

// Open opens (or creates) the log at path. Zero-valued option fields fall
// back to the defaults.
func Open(path string, opts Options) (*WAL, error) {
	def := DefaultOptions()
	if opts.MaxOps <= 0 {
		opts.MaxOps = def.MaxOps
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat WAL %s: %w", path, err)
	}

	return &WAL{
		path:           path,
		opts:           opts,
		f:              f,
		size:           info.Size(),
		lastCheckpoint: time.Now(),
	}, nil
}

// Append writes one record and flushes it. The record is durable when Append
// returns nil.
func (w *WAL) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL record %d: %w", rec.Sequence, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(data)
	if err != nil {
		return fmt.Errorf("failed to append WAL record %d: %w", rec.Sequence, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to flush WAL record %d: %w", rec.Sequence, err)
	}

	w.size += int64(n)
	w.appends++
	return nil
}

// NeedsCheckpoint reports whether any checkpoint trigger has fired since the
// last Reset: operation count, age, or file size.
func (w *WAL) NeedsCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appends >= w.opts.MaxOps ||
		time.Since(w.lastCheckpoint) >= w.opts.MaxAge ||
		w.size >= w.opts.MaxBytes
}

// Reset truncates the log after the owner has written a snapshot. Sequence
// numbers are owned by the caller and do not reset.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to flush truncated WAL %s: %w", w.path, err)
	}

	w.size = 0
	w.appends = 0
	w.lastCheckpoint = time.Now()
	return nil
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Replay reads the log at path in order and calls apply for every valid
// record. Corrupt or invalid records are skipped with a warning; a missing
// file replays zero records. It returns how many records were applied and
// how many were skipped.
func Replay(path string, apply func(Record) error) (applied, skipped int, err error) {
	logger := log.WithComponent("wal")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to open WAL %s for replay: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("skipping corrupt WAL record")
			skipped++
			continue
		}
		if err := rec.Validate(); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("skipping invalid WAL record")
			skipped++
			continue
		}
		if err := apply(rec); err != nil {
			logger.Warn().Int("line", line).Uint64("sequence", rec.Sequence).Err(err).Msg("skipping unappliable WAL record")
			skipped++
			continue
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, skipped, fmt.Errorf("failed to read WAL %s: %w", path, err)
	}
	return applied, skipped, nil
}

package stats

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

const (
	// usageRingSize bounds the resource-usage samples kept for p90 estimation.
	usageRingSize = 100
	// gateWarnAfter is how long the exclusive gate may be held before a
	// warning is logged. The wait itself is unbounded.
	gateWarnAfter = 30 * time.Second
)

// Store owns the real-time statistics document. Every mutation runs under a
// single exclusive gate and is persisted before the gate is released; there
// is no write throttling.
type Store struct {
	layout workspace.Layout

	mu   sync.Mutex
	snap types.StatisticsSnapshot
}

// Open loads statistics.json. A corrupted document is quarantined to
// statistics.json.corrupted.{timestamp} and fresh state is initialized.
func Open(layout workspace.Layout) (*Store, error) {
	s := &Store{layout: layout}

	err := atomicfile.ReadJSON(layout.Statistics(), &s.snap)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		s.snap = types.StatisticsSnapshot{}
	default:
		backup := workspace.CorruptedBackupPath(layout.Statistics(), time.Now())
		if renameErr := os.Rename(layout.Statistics(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted statistics: %w", renameErr)
		}
		log.WithComponent("stats").Warn().Str("backup", backup).Err(err).Msg("statistics corrupted, starting fresh")
		s.snap = types.StatisticsSnapshot{}
	}

	return s, nil
}

// RecordJobCompletion appends a usage sample, advances the processed count,
// recomputes the p90 estimates, and persists, all inside the gate.
func (s *Store) RecordJobCompletion(usage types.ResourceUsage) error {
	return s.mutate(func() {
		if usage.Timestamp.IsZero() {
			usage.Timestamp = time.Now().UTC()
		}
		s.snap.TotalJobsProcessed++
		s.snap.Usage = append(s.snap.Usage, usage)
		if len(s.snap.Usage) > usageRingSize {
			s.snap.Usage = s.snap.Usage[len(s.snap.Usage)-usageRingSize:]
		}
		s.snap.P90 = computeP90(s.snap.Usage)
	})
}

// UpdateCapacity persists the current scheduler headroom.
func (s *Store) UpdateCapacity(c types.Capacity) error {
	return s.mutate(func() {
		s.snap.Capacity = c
	})
}

// mutate runs fn and persists the document before releasing the gate.
func (s *Store) mutate(fn func()) error {
	s.mu.Lock()
	start := time.Now()
	defer func() {
		if held := time.Since(start); held > gateWarnAfter {
			log.WithComponent("stats").Warn().Dur("held", held).Msg("statistics gate held unusually long")
		}
		s.mu.Unlock()
	}()

	fn()
	s.snap.UpdatedAt = time.Now().UTC()

	if err := atomicfile.WriteJSON(s.layout.Statistics(), s.snap); err != nil {
		return fmt.Errorf("failed to persist statistics: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() types.StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.Usage = append([]types.ResourceUsage(nil), s.snap.Usage...)
	return out
}

// P90Duration returns the p90 job duration, used for queue ETA estimates.
func (s *Store) P90Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.snap.P90.DurationSec * float64(time.Second))
}

func computeP90(usage []types.ResourceUsage) types.Percentiles {
	if len(usage) == 0 {
		return types.Percentiles{}
	}

	durations := make([]float64, len(usage))
	memory := make([]float64, len(usage))
	cpu := make([]float64, len(usage))
	for i, u := range usage {
		durations[i] = u.DurationSec
		memory[i] = u.MemoryMiB
		cpu[i] = u.CPUPercent
	}

	return types.Percentiles{
		DurationSec: percentile(durations, 0.90),
		MemoryMiB:   percentile(memory, 0.90),
		CPUPercent:  percentile(cpu, 0.90),
	}
}

// percentile computes the nearest-rank percentile of values.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

package sentinel

import (
	"fmt"
	"os"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/proc"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// Scanned is one job directory's sentinel as found by a scan.
type Scanned struct {
	JobID    string
	Sentinel *types.Sentinel
	Liveness types.Liveness
	Corrupt  bool
}

// Monitor reads and classifies sentinel files on the server side.
type Monitor struct {
	layout workspace.Layout

	// Injectable for tests.
	now      func() time.Time
	pidAlive func(int) bool
}

// NewMonitor returns a monitor over the workspace.
func NewMonitor(layout workspace.Layout) *Monitor {
	return &Monitor{
		layout:   layout,
		now:      time.Now,
		pidAlive: proc.Alive,
	}
}

// Classify maps a sentinel to its liveness. A dead PID is dead regardless of
// timestamp. Heartbeat ages of exactly StaleAge and DeadAge classify as stale
// and dead respectively; future heartbeats are fresh.
func (m *Monitor) Classify(s *types.Sentinel) types.Liveness {
	if !m.pidAlive(s.PID) {
		return types.LivenessDead
	}

	age := m.now().Sub(s.LastHeartbeat)
	switch {
	case age < 0:
		log.WithJobID(s.JobID).Warn().Time("last_heartbeat", s.LastHeartbeat).Msg("sentinel heartbeat in the future, treating as fresh")
		return types.LivenessFresh
	case age >= DeadAge:
		return types.LivenessDead
	case age >= StaleAge:
		return types.LivenessStale
	default:
		return types.LivenessFresh
	}
}

// Read loads and classifies one job's sentinel.
func (m *Monitor) Read(jobID string) (*types.Sentinel, types.Liveness, error) {
	var s types.Sentinel
	if err := atomicfile.ReadJSON(m.layout.SentinelFile(jobID), &s); err != nil {
		return nil, types.LivenessDead, err
	}
	return &s, m.Classify(&s), nil
}

// Scan walks every job directory and classifies its sentinel. Directories
// without a sentinel are skipped (the orphan scanner owns those); corrupt
// sentinels are reported as dead with Corrupt set, since liveness cannot be
// verified.
func (m *Monitor) Scan() ([]Scanned, error) {
	entries, err := os.ReadDir(m.layout.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list job directories: %w", err)
	}

	var out []Scanned
	counts := map[types.Liveness]int{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		path := m.layout.SentinelFile(jobID)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		var s types.Sentinel
		if err := atomicfile.ReadJSON(path, &s); err != nil {
			log.WithJobID(jobID).Warn().Err(err).Msg("sentinel corrupted, classifying dead")
			out = append(out, Scanned{JobID: jobID, Liveness: types.LivenessDead, Corrupt: true})
			counts[types.LivenessDead]++
			continue
		}

		liveness := m.Classify(&s)
		out = append(out, Scanned{JobID: jobID, Sentinel: &s, Liveness: liveness})
		counts[liveness]++
	}

	for _, l := range []types.Liveness{types.LivenessFresh, types.LivenessStale, types.LivenessDead} {
		metrics.SentinelsByLiveness.WithLabelValues(string(l)).Set(float64(counts[l]))
	}
	return out, nil
}

// ReadOutput returns the contents of the job's duplexed output file, the
// authoritative record of its output after a restart.
func (m *Monitor) ReadOutput(jobID, sessionID string) ([]byte, error) {
	return os.ReadFile(m.layout.OutputFile(jobID, sessionID))
}

// Remove deletes a job's sentinel, typically after the job completed.
func (m *Monitor) Remove(jobID string) error {
	err := os.Remove(m.layout.SentinelFile(jobID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

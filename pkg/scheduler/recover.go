package scheduler

import (
	"fmt"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/types"
)

// RecoveryStats summarizes the Jobs recovery phase.
type RecoveryStats struct {
	Reattached int
	StaleKept  int
	Failed     int
}

// RecoverJobs reconciles jobs that were running when the server died
// against their sentinels. Fresh sentinels reattach (the adaptor child is
// still alive and heartbeating); stale ones are kept with a warning; dead
// or missing ones fail the job and free its locks. The job's output file
// remains the authoritative record either way.
func (s *Scheduler) RecoverJobs() (RecoveryStats, error) {
	logger := log.WithComponent("scheduler")
	var rs RecoveryStats

	scans, err := s.monitor.Scan()
	if err != nil {
		return rs, fmt.Errorf("failed to scan sentinels: %w", err)
	}
	byJob := make(map[string]sentinel.Scanned, len(scans))
	for _, sc := range scans {
		byJob[sc.JobID] = sc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.queue.List() {
		if job.Status != types.JobStatusRunning {
			continue
		}

		sc, found := byJob[job.ID]
		switch {
		case found && sc.Liveness == types.LivenessFresh:
			s.running[job.ID] = &runningJob{job: job, reattached: true}
			rs.Reattached++
			logger.Info().Str("job_id", job.ID).Int("pid", sc.Sentinel.PID).Msg("reattached running job")

		case found && sc.Liveness == types.LivenessStale:
			// Warn only; the adaptor may still be making progress. The
			// reap loop fails it if the heartbeat goes dead.
			s.running[job.ID] = &runningJob{job: job, reattached: true}
			rs.StaleKept++
			logger.Warn().Str("job_id", job.ID).Msg("stale heartbeat on reattach, keeping job running")

		default:
			code := -1
			if err := s.queue.Finish(job.ID, types.JobStatusFailed, &code, "adaptor died while server was down"); err != nil {
				logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to fail dead job")
				continue
			}
			s.releaseJobLocksLocked(job)
			if err := s.monitor.Remove(job.ID); err != nil {
				logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to remove dead sentinel")
			}
			rs.Failed++
			logger.Info().Str("job_id", job.ID).Msg("dead job marked failed")
		}
	}

	return rs, nil
}

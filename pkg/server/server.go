package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cidxlabs/cidx/pkg/api"
	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/callbacks"
	"github.com/cidxlabs/cidx/pkg/catalog"
	"github.com/cidxlabs/cidx/pkg/config"
	"github.com/cidxlabs/cidx/pkg/locks"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/orphans"
	"github.com/cidxlabs/cidx/pkg/queue"
	"github.com/cidxlabs/cidx/pkg/recovery"
	"github.com/cidxlabs/cidx/pkg/registry"
	"github.com/cidxlabs/cidx/pkg/runtime"
	"github.com/cidxlabs/cidx/pkg/scheduler"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/stats"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/waitqueue"
	"github.com/cidxlabs/cidx/pkg/wal"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

// maintenanceInterval paces the background checkpoint and retention sweep.
const maintenanceInterval = time.Minute

// Server wires every component together: durable stores, the recovery
// orchestrator, the scheduler, the callback dispatcher, and the HTTP API.
type Server struct {
	cfg    config.Config
	layout workspace.Layout

	queue    *queue.Store
	locks    *locks.Store
	waiting  *waitqueue.Store
	stats    *stats.Store
	cbs      *callbacks.Store
	reg      *registry.Store
	cat      *catalog.Catalog
	batches  *scheduler.BatchStore
	monitor  *sentinel.Monitor
	logStore *recovery.LogStore
	rt       *runtime.ContainerdRuntime

	sched      *scheduler.Scheduler
	dispatcher *callbacks.Dispatcher
	httpSrv    *http.Server

	report *types.StartupReport
}

// New opens every durable store under the configured workspace. Stores
// quarantine corrupted state on open; the recovery phases run in Run.
func New(cfg config.Config) (*Server, error) {
	layout := workspace.New(cfg.Workspace)
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace: %w", err)
	}

	logStore, err := recovery.OpenLog(layout)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(layout, wal.DefaultOptions())
	if err != nil {
		return nil, err
	}
	wq, err := waitqueue.Open(layout)
	if err != nil {
		return nil, err
	}
	st, err := stats.Open(layout)
	if err != nil {
		return nil, err
	}
	cbs, err := callbacks.Open(layout)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(layout)
	if err != nil {
		return nil, err
	}
	batches, err := scheduler.OpenBatches(layout)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		layout:   layout,
		queue:    q,
		locks:    locks.Open(layout),
		waiting:  wq,
		stats:    st,
		cbs:      cbs,
		reg:      reg,
		batches:  batches,
		monitor:  sentinel.NewMonitor(layout),
		logStore: logStore,
	}

	// The generation catalog and the container runtime are bookkeeping and
	// cleanup aids; the server runs without either.
	if s.cat, err = catalog.Open(layout); err != nil {
		log.WithComponent("server").Warn().Err(err).Msg("index catalog unavailable")
		s.cat = nil
	}
	if cfg.ContainerdSocket != "" {
		if s.rt, err = runtime.NewContainerdRuntime(cfg.ContainerdSocket); err != nil {
			log.WithComponent("server").Warn().Err(err).Msg("containerd unavailable, container cleanup disabled")
			s.rt = nil
		}
	}

	s.sched = scheduler.New(scheduler.Deps{
		Layout:        layout,
		Queue:         q,
		Locks:         s.locks,
		Waiting:       wq,
		Stats:         st,
		Callbacks:     cbs,
		Monitor:       s.monitor,
		Batches:       batches,
		Catalog:       s.cat,
		MaxConcurrent: cfg.MaxConcurrentJobs,
	})
	s.dispatcher = callbacks.NewDispatcher(cbs, cfg.CallbackTimeout)

	s.httpSrv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.New(api.Deps{
			Queue:      q,
			Registry:   reg,
			Stats:      st,
			StartupLog: logStore,
			Monitor:    s.monitor,
			Batches:    batches,
			Catalog:    s.cat,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metrics.RegisterComponent("queue", true, "")
	metrics.RegisterComponent("scheduler", true, "")
	metrics.RegisterComponent("callbacks", true, "")
	return s, nil
}

// StartupReport returns the report of the recovery run, once Run got there.
func (s *Server) StartupReport() *types.StartupReport {
	return s.report
}

// Run executes the startup recovery sequence, starts the background
// components and the HTTP API, and blocks until ctx is cancelled or the
// listener fails. Shutdown is graceful: running adaptor children survive
// and are reattached on the next start.
func (s *Server) Run(ctx context.Context) error {
	report, err := s.recover(ctx)
	s.report = report
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	for _, resource := range report.CorruptedResources {
		metrics.MarkDegraded(resource)
	}

	s.sched.Start()
	s.dispatcher.Start()

	maintDone := make(chan struct{})
	maintStop := make(chan struct{})
	go s.maintenanceLoop(maintStop, maintDone)

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("server").Info().Str("addr", s.cfg.ListenAddr).Msg("http api listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := s.httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.WithComponent("server").Warn().Err(serr).Msg("http shutdown incomplete")
	}

	close(maintStop)
	<-maintDone
	s.dispatcher.Stop()
	s.sched.Stop()

	if cerr := s.queue.Checkpoint(); cerr != nil {
		log.WithComponent("server").Warn().Err(cerr).Msg("final checkpoint failed")
	}
	if cerr := s.queue.Close(); cerr != nil {
		log.WithComponent("server").Warn().Err(cerr).Msg("queue close failed")
	}
	if s.cat != nil {
		s.cat.Close()
	}
	if s.rt != nil {
		s.rt.Close()
	}
	log.WithComponent("server").Info().Msg("server stopped")
	return err
}

// recover runs the fixed phase graph: Queue and Jobs are critical; Locks,
// WaitingQueues, Orphans, Callbacks, and Batches degrade instead of
// aborting.
func (s *Server) recover(ctx context.Context) (*types.StartupReport, error) {
	orch := recovery.NewOrchestrator(s.layout, s.logStore)

	orch.Register(recovery.Phase{
		Name:     "Queue",
		Critical: true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			swept, err := atomicfile.SweepTemps(s.layout.Root, atomicfile.TempMaxAge)
			if err != nil {
				return recovery.PhaseResult{}, err
			}
			if err := s.queue.Checkpoint(); err != nil {
				return recovery.PhaseResult{}, err
			}
			return recovery.PhaseResult{Counts: map[string]int{
				"jobs_loaded":  s.queue.Len(),
				"jobs_pending": len(s.queue.Pending()),
				"temps_swept":  swept,
			}}, nil
		},
	})

	orch.Register(recovery.Phase{
		Name:          "Locks",
		DependsOn:     []string{"Queue"},
		AllowDegraded: true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			rs, err := s.locks.Recover()
			if err != nil {
				return recovery.PhaseResult{}, err
			}
			return recovery.PhaseResult{
				Counts: map[string]int{
					"locks_recovered": rs.Recovered,
					"stale_removed":   rs.StaleRemoved,
				},
				CorruptedResources: rs.Corrupted,
				Partial:            len(rs.Corrupted) > 0,
			}, nil
		},
	})

	orch.Register(recovery.Phase{
		Name:      "Jobs",
		DependsOn: []string{"Queue"},
		Critical:  true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			rs, err := s.sched.RecoverJobs()
			if err != nil {
				return recovery.PhaseResult{}, err
			}
			return recovery.PhaseResult{Counts: map[string]int{
				"jobs_reattached": rs.Reattached,
				"jobs_stale_kept": rs.StaleKept,
				"jobs_failed":     rs.Failed,
			}}, nil
		},
	})

	orch.Register(recovery.Phase{
		Name:          "WaitingQueues",
		DependsOn:     []string{"Locks", "Jobs"},
		AllowDegraded: true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			if p90 := s.stats.P90Duration(); p90 > 0 {
				if err := s.waiting.RecomputeETAs(p90); err != nil {
					return recovery.PhaseResult{}, err
				}
			}
			return recovery.PhaseResult{Counts: map[string]int{
				"waiting_keys":       len(s.waiting.Keys()),
				"waiting_operations": s.waiting.Len(),
			}}, nil
		},
	})

	orch.Register(recovery.Phase{
		Name:          "Orphans",
		DependsOn:     []string{"WaitingQueues"},
		AllowDegraded: true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			var rt orphans.Runtime
			if s.rt != nil {
				rt = s.rt
			}
			scanner := orphans.New(s.layout, s.monitor, rt, s.cfg.ContainerPrefix, s.cfg.OrphanGracePeriod, s.reg.Exists)
			st, err := scanner.Cleanup(ctx)
			if err != nil {
				return recovery.PhaseResult{}, err
			}
			return recovery.PhaseResult{Counts: map[string]int{
				"workspaces_scanned": st.WorkspacesScanned,
				"workspaces_cleaned": st.WorkspacesCleaned,
				"containers_removed": st.ContainersRemoved,
				"indexes_removed":    st.IndexesRemoved,
				"staging_archived":   st.StagingArchived,
				"cleanups_resumed":   st.CleanupsResumed,
				"deletions_aborted":  st.DeletionsAborted,
			}}, nil
		},
	})

	orch.Register(recovery.Phase{
		Name:          "Callbacks",
		DependsOn:     []string{"Orphans"},
		AllowDegraded: true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			rs, err := s.cbs.Recover()
			if err != nil {
				return recovery.PhaseResult{}, err
			}
			return recovery.PhaseResult{Counts: map[string]int{
				"callbacks_loaded":  rs.Loaded,
				"callbacks_reset":   rs.Reset,
				"callbacks_overdue": rs.Overdue,
			}}, nil
		},
	})

	orch.Register(recovery.Phase{
		Name:          "Batches",
		DependsOn:     []string{"Callbacks"},
		AllowDegraded: true,
		Execute: func(ctx context.Context) (recovery.PhaseResult, error) {
			stranded, err := s.batches.Prune(func(jobID string) bool {
				job, ok := s.queue.Get(jobID)
				return ok && !job.Status.Terminal()
			})
			if err != nil {
				return recovery.PhaseResult{}, err
			}
			for _, id := range stranded {
				if uerr := s.queue.UpdateStatus(id, types.JobStatusQueued); uerr != nil {
					log.WithJobID(id).Warn().Err(uerr).Msg("failed to requeue stranded batch member")
				}
			}
			return recovery.PhaseResult{Counts: map[string]int{
				"members_requeued": len(stranded),
			}}, nil
		},
	})

	return orch.Run(ctx)
}

// maintenanceLoop checkpoints the WAL, prunes retained jobs, and sweeps
// leftover temp files in the background.
func (s *Server) maintenanceLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger := log.WithComponent("server")
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.queue.CheckpointIfNeeded(); err != nil {
				logger.Warn().Err(err).Msg("checkpoint failed")
			}
			if pruned, err := s.queue.PruneFinished(s.cfg.Retention); err != nil {
				logger.Warn().Err(err).Msg("retention prune failed")
			} else if pruned > 0 {
				logger.Info().Int("pruned", pruned).Msg("retained jobs pruned")
			}
			if _, err := atomicfile.SweepTemps(s.layout.Root, atomicfile.TempMaxAge); err != nil {
				logger.Warn().Err(err).Msg("temp sweep failed")
			}
		}
	}
}

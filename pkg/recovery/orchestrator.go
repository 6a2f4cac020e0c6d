package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

var (
	// ErrCircularDependency means the phase graph cannot be ordered.
	ErrCircularDependency = errors.New("circular phase dependency")
	// ErrUnknownDependency means a phase depends on a name nobody declared.
	ErrUnknownDependency = errors.New("unknown phase dependency")
	// ErrCriticalPhase means a critical phase failed and startup aborted.
	ErrCriticalPhase = errors.New("critical recovery phase failed")
)

// retryBackoff is the delay schedule for non-critical failing phases; each
// step buys one retry after the initial attempt.
var retryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// PhaseResult is what a phase execution reports back.
type PhaseResult struct {
	// Counts carries phase-specific tallies (jobs recovered, locks
	// recovered, orphans cleaned, ...).
	Counts map[string]int
	// CorruptedResources lists resources the phase had to mark
	// unavailable, formatted {type}:{identifier}.
	CorruptedResources []string
	// Partial marks a phase that succeeded for some resources only.
	Partial bool
}

// Phase is one recovery step with its position in the dependency graph.
type Phase struct {
	Name      string
	DependsOn []string
	// Critical phases abort the whole startup on failure.
	Critical bool
	// AllowDegraded lets a failing phase mark its resources unavailable
	// and continue instead of aborting.
	AllowDegraded bool
	Execute       func(ctx context.Context) (PhaseResult, error)
	// CleanupPartial undoes half-done state when a previous startup
	// aborted while this phase was running. Optional.
	CleanupPartial func() error
}

// Orchestrator runs recovery phases in topological order with abort
// detection, per-phase retry, and degraded-mode bookkeeping.
type Orchestrator struct {
	layout   workspace.Layout
	logStore *LogStore
	phases   []Phase

	mu       sync.Mutex
	degraded []string

	// Injectable for tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewOrchestrator creates an orchestrator writing its audit to logStore.
func NewOrchestrator(layout workspace.Layout, logStore *LogStore) *Orchestrator {
	return &Orchestrator{
		layout:   layout,
		logStore: logStore,
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// Register adds a phase. Registration order breaks topological ties.
func (o *Orchestrator) Register(p Phase) {
	o.phases = append(o.phases, p)
}

// Degraded returns the resources marked unavailable during this startup.
func (o *Orchestrator) Degraded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.degraded))
	copy(out, o.degraded)
	return out
}

// Run executes the whole startup sequence and returns its report. The
// report is persisted to the startup log even when startup aborts.
func (o *Orchestrator) Run(ctx context.Context) (*types.StartupReport, error) {
	logger := log.WithComponent("recovery")
	started := o.now().UTC()

	ordered, err := o.topoSort()
	if err != nil {
		return nil, err
	}

	o.handleAbortedStartup(ordered)

	marker := types.StartupMarker{
		StartupID: uuid.New().String(),
		StartedAt: started,
	}
	if err := atomicfile.WriteJSON(o.layout.StartupMarker(), marker); err != nil {
		return nil, fmt.Errorf("failed to write startup marker: %w", err)
	}

	report := &types.StartupReport{
		StartupID: marker.StartupID,
		StartedAt: started,
	}

	var runErr error
	for _, phase := range ordered {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		marker.CurrentPhase = phase.Name
		if err := atomicfile.WriteJSON(o.layout.StartupMarker(), marker); err != nil {
			runErr = fmt.Errorf("failed to update startup marker: %w", err)
			break
		}

		op := o.runPhase(ctx, phase)
		report.Operations = append(report.Operations, op)
		metrics.RecoveryPhaseDuration.WithLabelValues(phase.Name).Observe(op.Duration.Seconds())

		if op.Status == types.PhaseStatusFailed {
			if phase.Critical {
				runErr = fmt.Errorf("phase %s: %w", phase.Name, ErrCriticalPhase)
				break
			}
			if !phase.AllowDegraded {
				runErr = fmt.Errorf("phase %s failed and cannot degrade: %s", phase.Name, op.Error)
				break
			}
			// Degraded: the phase's resources are unavailable but every
			// feature stays enabled.
			o.markDegraded(fmt.Sprintf("phase:%s", phase.Name))
			logger.Warn().Str("phase", phase.Name).Str("error", op.Error).Msg("phase degraded, continuing startup")
		}

		marker.CompletedPhases = append(marker.CompletedPhases, phase.Name)
	}

	report.TotalDuration = o.now().Sub(started)
	report.CorruptedResources = o.Degraded()
	report.DegradedMode = len(report.CorruptedResources) > 0
	metrics.DegradedResources.Set(float64(len(report.CorruptedResources)))

	if runErr == nil {
		if err := os.Remove(o.layout.StartupMarker()); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("failed to remove startup marker")
		}
	}

	if err := o.logStore.Append(*report); err != nil {
		logger.Warn().Err(err).Msg("failed to persist startup report")
	}

	if runErr != nil {
		return report, runErr
	}
	logger.Info().
		Str("startup_id", report.StartupID).
		Dur("duration", report.TotalDuration).
		Bool("degraded", report.DegradedMode).
		Msg("startup recovery complete")
	return report, nil
}

// runPhase executes one phase with the retry schedule. Critical phases get
// a single attempt; non-critical ones retry with exponential backoff.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase) types.PhaseOperation {
	logger := log.WithComponent("recovery")
	start := o.now()
	op := types.PhaseOperation{Phase: phase.Name}

	attempts := 1 + len(retryBackoff)
	if phase.Critical {
		attempts = 1
	}

	var result PhaseResult
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryBackoff[attempt-1]
			logger.Warn().Str("phase", phase.Name).Int("attempt", attempt+1).Dur("backoff", delay).Msg("retrying recovery phase")
			o.sleep(delay)
		}
		result, err = phase.Execute(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	op.Duration = o.now().Sub(start)
	op.Counts = result.Counts
	for _, r := range result.CorruptedResources {
		o.markDegraded(r)
	}

	switch {
	case err != nil:
		op.Status = types.PhaseStatusFailed
		op.Error = err.Error()
	case result.Partial || len(result.CorruptedResources) > 0:
		op.Status = types.PhaseStatusPartialSuccess
	default:
		op.Status = types.PhaseStatusSuccess
	}

	logger.Info().
		Str("phase", phase.Name).
		Str("status", string(op.Status)).
		Dur("duration", op.Duration).
		Msg("recovery phase finished")
	return op
}

// handleAbortedStartup detects a marker left by a crashed startup, cleans
// up the interrupted phase's partial state, and removes the marker.
func (o *Orchestrator) handleAbortedStartup(ordered []Phase) {
	logger := log.WithComponent("recovery")

	var marker types.StartupMarker
	err := atomicfile.ReadJSON(o.layout.StartupMarker(), &marker)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("unreadable startup marker from aborted startup, discarding")
		os.Remove(o.layout.StartupMarker())
		return
	}

	logger.Warn().
		Str("startup_id", marker.StartupID).
		Strs("completed_phases", marker.CompletedPhases).
		Str("interrupted_phase", marker.CurrentPhase).
		Msg("previous startup aborted")

	for _, phase := range ordered {
		if phase.Name != marker.CurrentPhase || phase.CleanupPartial == nil {
			continue
		}
		if err := phase.CleanupPartial(); err != nil {
			logger.Warn().Str("phase", phase.Name).Err(err).Msg("failed to clean up interrupted phase")
		}
	}

	os.Remove(o.layout.StartupMarker())
}

// topoSort orders phases so every dependency runs first. Registration order
// breaks ties so the sequence is deterministic.
func (o *Orchestrator) topoSort() ([]Phase, error) {
	index := make(map[string]int, len(o.phases))
	for i, p := range o.phases {
		index[p.Name] = i
	}

	indegree := make(map[string]int, len(o.phases))
	dependents := make(map[string][]string)
	for _, p := range o.phases {
		for _, dep := range p.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("phase %s depends on %q: %w", p.Name, dep, ErrUnknownDependency)
			}
			indegree[p.Name]++
			dependents[dep] = append(dependents[dep], p.Name)
		}
	}

	var ready []string
	for _, p := range o.phases {
		if indegree[p.Name] == 0 {
			ready = append(ready, p.Name)
		}
	}

	var ordered []Phase
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, o.phases[index[name]])

		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(o.phases) {
		return nil, ErrCircularDependency
	}
	return ordered, nil
}

func (o *Orchestrator) markDegraded(resource string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.degraded {
		if r == resource {
			return
		}
	}
	o.degraded = append(o.degraded, resource)
}

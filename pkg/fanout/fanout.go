package fanout

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
)

// termGrace is how long a cancelled child gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// Executor fans a command out over discovered repositories. Root is the
// proxy root; Binary is the per-repository command to invoke (defaults to
// "cidx" so the proxy re-enters itself inside each repo).
type Executor struct {
	Root   string
	Binary string

	// termGrace is overridable in tests.
	termGrace time.Duration
}

// New returns an executor rooted at the proxy directory.
func New(root, binary string) *Executor {
	if binary == "" {
		binary = "cidx"
	}
	return &Executor{Root: root, Binary: binary, termGrace: termGrace}
}

// Parallel runs the command in every repository concurrently and returns
// one ExecutionResult per repository, ordered by repository path. Children
// are independent; one failing never affects another. Cancelling ctx sends
// SIGTERM to every child, waits the grace period, then SIGKILLs survivors.
func (e *Executor) Parallel(ctx context.Context, repos []string, command string, args []string) []types.ExecutionResult {
	results := make([]types.ExecutionResult, len(repos))
	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo string) {
			defer wg.Done()
			results[i] = e.runOne(ctx, repo, command, args)
		}(i, repo)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Repository < results[j].Repository })
	return results
}

// Sequential runs the command one repository at a time in configuration
// order, reporting progress through report before each child and its
// outcome after. Iteration continues past failures; a cancelled ctx stops
// after the in-flight child. Partial success is acceptable.
func (e *Executor) Sequential(ctx context.Context, repos []string, command string, args []string, report func(i, n int, repo string, res *types.ExecutionResult)) []types.ExecutionResult {
	var results []types.ExecutionResult
	for i, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		if report != nil {
			report(i+1, len(repos), repo, nil)
		}
		res := e.runOne(ctx, repo, command, args)
		results = append(results, res)
		if report != nil {
			report(i+1, len(repos), repo, &res)
		}
	}
	return results
}

// runOne executes the command in a single repository, capturing stdout and
// stderr separately.
func (e *Executor) runOne(ctx context.Context, repo, command string, args []string) types.ExecutionResult {
	res := types.ExecutionResult{
		Repository: repo,
		StartedAt:  time.Now().UTC(),
	}

	argv := append([]string{command}, args...)
	cmd := exec.Command(e.Binary, argv...)
	cmd.Dir = filepath.Join(e.Root, repo)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Each child gets its own process group so cancellation signals do not
	// leak to the parent.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		res.Err = err
		res.Stderr = err.Error()
		res.FinishedAt = time.Now().UTC()
		return res
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		e.terminate(cmd, waitCh)
		waitErr = ctx.Err()
	}

	res.FinishedAt = time.Now().UTC()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch err := waitErr.(type) {
	case nil:
		res.ExitCode = 0
	case *exec.ExitError:
		res.ExitCode = err.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = waitErr
	}
	return res
}

// terminate sends SIGTERM to the child's process group, waits the grace
// period, and SIGKILLs if it is still alive.
func (e *Executor) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		log.WithComponent("fanout").Debug().Err(err).Msg("sigterm failed")
	}
	select {
	case <-waitCh:
	case <-time.After(e.termGrace):
		syscall.Kill(pgid, syscall.SIGKILL)
		<-waitCh
	}
}

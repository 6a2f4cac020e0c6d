package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cidxlabs/cidx/pkg/client"
	"github.com/cidxlabs/cidx/pkg/errfmt"
	"github.com/cidxlabs/cidx/pkg/fanout"
	"github.com/cidxlabs/cidx/pkg/multiplex"
	"github.com/cidxlabs/cidx/pkg/proxy"
	"github.com/cidxlabs/cidx/pkg/types"
)

// exit codes: 0 success, 1 partial/failed, 2 usage or config error,
// 130 interrupted.
const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// dispatch routes a command either across the proxy's repositories or to
// the leaf repository the working directory belongs to.
func dispatch(command string, args []string, limit int) int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitUsage
	}
	if _, err := proxy.Load(cwd); err == nil {
		return proxyRun(cwd, command, args, limit)
	}
	return leafRun(cwd, command, args)
}

func proxyRun(root, command string, args []string, limit int) int {
	cfg, err := proxy.Load(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitUsage
	}
	repos := cfg.DiscoveredRepos
	if len(repos) == 0 {
		fmt.Println("No repositories discovered; run `cidx init --proxy-mode` after adding repositories.")
		return exitOK
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitUsage
	}

	switch proxy.Classify(command) {
	case proxy.ModeWatch:
		return runWatch(root, exe, repos, args)
	case proxy.ModeQuery:
		return runQuery(root, exe, repos, args, limit)
	case proxy.ModeSequential:
		return runSequential(root, exe, repos, command, args)
	default:
		return runParallel(root, exe, repos, command, args)
	}
}

// interruptibleContext cancels on the first SIGINT/SIGTERM.
func interruptibleContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runSequential(root, exe string, repos []string, command string, args []string) int {
	ctx, cancel := interruptibleContext()
	defer cancel()

	e := fanout.New(root, exe)
	var failures []errfmt.Entry
	succeeded := 0

	results := e.Sequential(ctx, repos, command, args, func(i, n int, repo string, res *types.ExecutionResult) {
		if res == nil {
			fmt.Printf("[%d/%d] %s\n", i, n, repo)
			return
		}
		if res.Succeeded() {
			fmt.Println(errfmt.FormatSuccess(repo, command))
			succeeded++
			return
		}
		entry := errfmt.Entry{
			Repository: repo,
			Command:    command,
			ExitCode:   res.ExitCode,
			Stderr:     res.Stderr,
			Hint:       errfmt.HintFor(command, repo),
		}
		failures = append(failures, entry)
		fmt.Println(errfmt.Format(entry))
	})

	fmt.Println(errfmt.Summary(succeeded, failures))
	switch {
	case ctx.Err() != nil:
		return exitInterrupted
	case len(failures) > 0 || len(results) < len(repos):
		return exitFailed
	default:
		return exitOK
	}
}

func runParallel(root, exe string, repos []string, command string, args []string) int {
	ctx, cancel := interruptibleContext()
	defer cancel()

	e := fanout.New(root, exe)
	results := e.Parallel(ctx, repos, command, args)

	var failures []errfmt.Entry
	succeeded := 0
	for _, res := range results {
		if res.Succeeded() {
			fmt.Println(errfmt.FormatSuccess(res.Repository, command))
			if res.Stdout != "" {
				fmt.Print(res.Stdout)
			}
			succeeded++
			continue
		}
		entry := errfmt.Entry{
			Repository: res.Repository,
			Command:    command,
			ExitCode:   res.ExitCode,
			Stderr:     res.Stderr,
			Hint:       errfmt.HintFor(command, res.Repository),
		}
		failures = append(failures, entry)
		fmt.Println(errfmt.Format(entry))
	}

	fmt.Println(errfmt.Summary(succeeded, failures))
	if ctx.Err() != nil {
		return exitInterrupted
	}
	if len(failures) > 0 {
		return exitFailed
	}
	return exitOK
}

func runQuery(root, exe string, repos []string, terms []string, limit int) int {
	ctx, cancel := interruptibleContext()
	defer cancel()

	e := fanout.New(root, exe)
	out := e.Query(ctx, repos, terms, limit)

	for _, r := range out.Results {
		fmt.Printf("%.3f %s/%s:%d %s\n", r.Score, r.SourceRepo, r.File, r.Line, r.Content)
	}
	for _, entry := range out.Failures {
		fmt.Println(errfmt.Format(entry))
	}
	if len(out.Failures) > 0 {
		fmt.Println(errfmt.Summary(len(repos)-len(out.Failures), out.Failures))
	}

	if ctx.Err() != nil {
		return exitInterrupted
	}
	if len(out.Failures) > 0 {
		return exitFailed
	}
	return exitOK
}

func runWatch(root, exe string, repos []string, args []string) int {
	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
		// A second interrupt during shutdown forces an immediate exit.
		<-sigCh
		os.Exit(1)
	}()

	m := multiplex.New(root, exe, os.Stdout)
	summaries, err := m.Run(repos, args, stop)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}

	died, killed := 0, 0
	for _, s := range summaries {
		mark := errfmt.OKMark()
		if s.Died {
			mark = errfmt.FailMark()
			died++
		}
		if s.Killed {
			killed++
		}
		fmt.Printf("%s %s (exit %d)\n", mark, s.Repository, s.ExitCode)
	}
	if killed > 0 {
		fmt.Printf("%d stopped (%d force-killed)\n", len(summaries), killed)
	} else {
		fmt.Printf("%d stopped\n", len(summaries))
	}
	if died > 0 {
		return exitFailed
	}
	return exitOK
}

// leafRun submits the command as a job for this repository and streams the
// recorded output back.
func leafRun(dir, command string, args []string) int {
	cfg, err := client.LoadRepoConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: not an indexed repository or proxy root: %v\n", err)
		return exitUsage
	}

	ctx, cancel := interruptibleContext()
	defer cancel()

	c := client.New(cfg.ServerURL)
	job, position, err := c.SubmitJob(ctx, cfg.Alias, os.Getenv("USER"), append([]string{command}, args...))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}
	if position > 1 {
		fmt.Fprintf(os.Stderr, "queued at position %d\n", position)
	}

	done, err := c.Wait(ctx, job.ID)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted; job", job.ID, "continues on the server")
			return exitInterrupted
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFailed
	}

	if output, err := c.Output(ctx, job.ID); err == nil && len(output) > 0 {
		os.Stdout.Write(output)
	}

	if done.Status == types.JobStatusCompleted {
		return exitOK
	}
	if done.Error != "" {
		fmt.Fprintln(os.Stderr, "Error:", done.Error)
	}
	if done.ExitCode != nil && *done.ExitCode > 0 {
		return *done.ExitCode
	}
	return exitFailed
}

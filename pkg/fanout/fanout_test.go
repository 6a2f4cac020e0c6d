package fanout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// script installs a fake per-repo binary and returns an executor whose
// children run it with sh.
func script(t *testing.T, root, body string) *Executor {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake-cidx")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	e := New(root, bin)
	e.termGrace = 200 * time.Millisecond
	return e
}

func mkRepos(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0755))
	}
}

func TestParallelCapturesPerRepoResults(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b")
	e := script(t, root, `echo "out $(basename $PWD)"; echo "err $(basename $PWD)" >&2`)

	results := e.Parallel(context.Background(), []string{"a", "b"}, "status", nil)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Repository)
	assert.Equal(t, "out a\n", results[0].Stdout)
	assert.Equal(t, "err a\n", results[0].Stderr)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, "out b\n", results[1].Stdout)
}

func TestParallelIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "good", "bad")
	e := script(t, root, `if [ "$(basename $PWD)" = "bad" ]; then echo boom >&2; exit 3; fi`)

	results := e.Parallel(context.Background(), []string{"bad", "good"}, "index", nil)
	require.Len(t, results, 2)
	assert.Equal(t, 3, results[0].ExitCode)
	assert.Equal(t, "boom\n", results[0].Stderr)
	assert.True(t, results[1].Succeeded())
}

func TestParallelCancellationTerminatesChildren(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b")
	e := script(t, root, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := e.Parallel(ctx, []string{"a", "b"}, "watch", nil)
	require.Len(t, results, 2)
	assert.Less(t, time.Since(start), 10*time.Second)
	for _, r := range results {
		assert.False(t, r.Succeeded())
	}
}

func TestSequentialContinuesPastFailure(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b", "c")
	e := script(t, root, `if [ "$(basename $PWD)" = "b" ]; then exit 1; fi`)

	var progress []string
	results := e.Sequential(context.Background(), []string{"a", "b", "c"}, "start", nil,
		func(i, n int, repo string, res *types.ExecutionResult) {
			if res == nil {
				progress = append(progress, fmt.Sprintf("[%d/%d] %s", i, n, repo))
			}
		})

	require.Len(t, results, 3)
	assert.Equal(t, []string{"[1/3] a", "[2/3] b", "[3/3] c"}, progress)
	assert.True(t, results[0].Succeeded())
	assert.False(t, results[1].Succeeded())
	assert.True(t, results[2].Succeeded())
}

func TestSequentialStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b")
	e := script(t, root, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	results := e.Sequential(ctx, []string{"a", "b"}, "start", nil, nil)
	// Only the in-flight child ran; iteration stopped after it.
	require.Len(t, results, 1)
	assert.False(t, results[0].Succeeded())
}

func TestQueryMergesAcrossRepos(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b")
	e := script(t, root, `case "$(basename $PWD)" in
a) echo '[{"score":0.9,"file":"x.go","line":1,"content":"x"},{"score":0.5,"file":"y.go","line":2,"content":"y"}]' ;;
b) echo '[{"score":0.7,"file":"z.go","line":3,"content":"z"}]' ;;
esac`)

	out := e.Query(context.Background(), []string{"a", "b"}, []string{"auth"}, 2)
	require.Empty(t, out.Failures)
	require.Len(t, out.Results, 2)
	assert.Equal(t, 0.9, out.Results[0].Score)
	assert.Equal(t, "a", out.Results[0].SourceRepo)
	assert.Equal(t, 0.7, out.Results[1].Score)
	assert.Equal(t, "b", out.Results[1].SourceRepo)
}

func TestQueryFailureBecomesHintedEntry(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b")
	e := script(t, root, `if [ "$(basename $PWD)" = "b" ]; then echo "index missing" >&2; exit 2; fi
echo '[{"score":0.4,"file":"x.go","line":1,"content":"x"}]'`)

	out := e.Query(context.Background(), []string{"a", "b"}, []string{"auth"}, 0)
	require.Len(t, out.Results, 1)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "b", out.Failures[0].Repository)
	assert.Equal(t, 2, out.Failures[0].ExitCode)
	assert.Contains(t, out.Failures[0].Hint, "grep -r")
}

func TestRunOneMissingBinary(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a")
	e := New(root, filepath.Join(t.TempDir(), "does-not-exist"))

	results := e.Parallel(context.Background(), []string{"a"}, "status", nil)
	require.Len(t, results, 1)
	assert.Equal(t, -1, results[0].ExitCode)
	assert.Error(t, results[0].Err)
}

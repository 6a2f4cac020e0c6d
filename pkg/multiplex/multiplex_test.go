package multiplex

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// syncBuffer makes bytes.Buffer safe for the writer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func watchScript(t *testing.T, body string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake-cidx")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return bin
}

func mkRepos(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0755))
	}
}

func TestLinesArePrefixedAndPadded(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "api", "frontend")
	bin := watchScript(t, `echo "line from $(basename $PWD)"`)

	var out syncBuffer
	m := New(root, bin, &out)

	stop := make(chan struct{})
	summaries, err := m.Run([]string{"api", "frontend"}, nil, stop)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	text := out.String()
	// Prefix is padded to the widest repo name.
	assert.Contains(t, text, "[api     ] line from api")
	assert.Contains(t, text, "[frontend] line from frontend")
}

func TestColorsDisabledForNonTTY(t *testing.T) {
	var out syncBuffer
	m := New(t.TempDir(), "cidx", &out)
	assert.False(t, m.colors)
}

func TestChildDyingAloneIsReported(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a")
	bin := watchScript(t, `exit 7`)

	var out syncBuffer
	m := New(root, bin, &out)
	summaries, err := m.Run([]string{"a"}, nil, make(chan struct{}))
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].Died)
	assert.Equal(t, 7, summaries[0].ExitCode)
}

func TestFailedSpawnDoesNotAbandonOthers(t *testing.T) {
	root := t.TempDir()
	// "missing" has no directory, so its child cannot start.
	mkRepos(t, root, "a")
	bin := watchScript(t, `echo "line from $(basename $PWD)"`)

	var out syncBuffer
	m := New(root, bin, &out)
	summaries, err := m.Run([]string{"a", "missing"}, nil, make(chan struct{}))
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byRepo := map[string]ChildSummary{}
	for _, s := range summaries {
		byRepo[s.Repository] = s
	}
	assert.False(t, byRepo["a"].Died)
	assert.Equal(t, 0, byRepo["a"].ExitCode)
	assert.True(t, byRepo["missing"].Died)
	assert.Equal(t, -1, byRepo["missing"].ExitCode)
	// The surviving child's output still flowed through the writer.
	assert.Contains(t, out.String(), "line from a")
}

func TestStopTerminatesChildren(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a", "b")
	bin := watchScript(t, `echo started; sleep 30`)

	var out syncBuffer
	m := New(root, bin, &out)
	m.grace = 500 * time.Millisecond
	m.drain = 500 * time.Millisecond

	stop := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		close(stop)
	}()

	start := time.Now()
	summaries, err := m.Run([]string{"a", "b"}, nil, stop)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.False(t, s.Died)
	}
	assert.Equal(t, 2, strings.Count(out.String(), "started"))
}

func TestOrderPreservedPerChild(t *testing.T) {
	root := t.TempDir()
	mkRepos(t, root, "a")
	bin := watchScript(t, `echo one; echo two; echo three`)

	var out syncBuffer
	m := New(root, bin, &out)
	_, err := m.Run([]string{"a"}, nil, make(chan struct{}))
	require.NoError(t, err)

	text := out.String()
	one := strings.Index(text, "one")
	two := strings.Index(text, "two")
	three := strings.Index(text, "three")
	assert.True(t, one < two && two < three)
}

package multiplex

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/cidxlabs/cidx/pkg/log"
)

const (
	// queueSize bounds the shared output queue; a full queue pauses the
	// reader and, through the pipe buffer, the child itself.
	queueSize = 1024
	// termGrace is the SIGTERM-to-SIGKILL window per child.
	termGrace = 5 * time.Second
	// drainWindow caps how long the writer drains after shutdown.
	drainWindow = 2 * time.Second
	// warnThreshold is the repository count beyond which interleaved watch
	// output becomes hard to follow.
	warnThreshold = 20
)

// palette cycles through per-repository prefix colors.
var palette = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgMagenta),
	color.New(color.FgBlue),
	color.New(color.FgRed),
}

// State tracks one child through its lifecycle.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateTerminating
	StateStopped
)

// ChildSummary is the terminal record of one watched repository.
type ChildSummary struct {
	Repository string
	ExitCode   int
	// Died marks a child that exited on its own before shutdown.
	Died bool
	// Killed marks a child that outlived the grace period and was SIGKILLed.
	Killed bool
}

// line is one tagged output line in the shared queue.
type line struct {
	repo string
	text string
}

// child is one supervised watch process.
type child struct {
	repo   string
	cmd    *exec.Cmd
	state  State
	exit   int
	died   bool
	killed bool
}

// Multiplexer supervises one long-running child per repository and merges
// their output line-by-line onto a single writer.
type Multiplexer struct {
	root   string
	binary string
	out    io.Writer

	colors bool
	grace  time.Duration
	drain  time.Duration

	mu       sync.Mutex
	children []*child
}

// New builds a multiplexer writing merged output to out. Color is enabled
// only when out is a terminal and NO_COLOR is unset.
func New(root, binary string, out io.Writer) *Multiplexer {
	if binary == "" {
		binary = "cidx"
	}
	m := &Multiplexer{
		root:   root,
		binary: binary,
		out:    out,
		grace:  termGrace,
		drain:  drainWindow,
	}
	if f, ok := out.(*os.File); ok {
		m.colors = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	return m
}

// Run spawns one child per repository and multiplexes their output until
// every child exits or stop is closed. Closing stop triggers the shutdown
// sequence: SIGTERM to each child, the grace wait, SIGKILL for survivors,
// then a bounded drain of the queue. The summary always comes back.
func (m *Multiplexer) Run(repos []string, args []string, stop <-chan struct{}) ([]ChildSummary, error) {
	if len(repos) == 0 {
		return nil, nil
	}
	if len(repos) > warnThreshold {
		log.WithComponent("watch").Warn().Int("repos", len(repos)).Msg("watching many repositories; output may interleave heavily")
	}

	width := 0
	for _, r := range repos {
		if len(r) > width {
			width = len(r)
		}
	}

	ch := make(chan line, queueSize)
	abort := make(chan struct{})
	var readers sync.WaitGroup
	var waiters sync.WaitGroup

	for _, repo := range repos {
		c := &child{repo: repo, state: StateSpawning}
		m.mu.Lock()
		m.children = append(m.children, c)
		m.mu.Unlock()

		argv := append([]string{"watch"}, args...)
		cmd := exec.Command(m.binary, argv...)
		cmd.Dir = filepath.Join(m.root, repo)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			m.failChild(c, err)
			continue
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			m.failChild(c, err)
			continue
		}
		if err := cmd.Start(); err != nil {
			m.failChild(c, err)
			continue
		}
		c.cmd = cmd
		m.setState(c, StateRunning)

		// Wait must not run until this child's readers drained its pipes.
		childReaders := &sync.WaitGroup{}
		readers.Add(2)
		childReaders.Add(2)
		go m.readLines(repo, stdout, ch, abort, &readers, childReaders)
		go m.readLines(repo, stderr, ch, abort, &readers, childReaders)

		waiters.Add(1)
		go func(c *child, childReaders *sync.WaitGroup) {
			defer waiters.Done()
			childReaders.Wait()
			err := c.cmd.Wait()
			m.mu.Lock()
			if c.state == StateRunning {
				// Exited on its own, not part of a shutdown.
				c.died = true
			}
			c.state = StateStopped
			c.exit = exitCode(err)
			m.mu.Unlock()
			if c.died {
				log.WithComponent("watch").Warn().Str("repo", c.repo).Int("exit", c.exit).Msg("watch child died")
			}
		}(c, childReaders)
	}

	// The queue closes once every reader finished, which happens when all
	// children exited or the drain window aborted the readers.
	go func() {
		readers.Wait()
		close(ch)
	}()

	allDone := make(chan struct{})
	go func() {
		waiters.Wait()
		close(allDone)
	}()

	writerDone := make(chan struct{})
	go m.writeLines(ch, width, writerDone)

	select {
	case <-stop:
		m.terminateAll(allDone)
		select {
		case <-writerDone:
		case <-time.After(m.drain):
			close(abort)
			<-writerDone
		}
	case <-allDone:
		<-writerDone
	}

	return m.summaries(), nil
}

// readLines pumps one stream into the shared queue. A full queue blocks
// here, which backpressures the child through its pipe.
func (m *Multiplexer) readLines(repo string, r io.Reader, ch chan<- line, abort <-chan struct{}, wgs ...*sync.WaitGroup) {
	defer func() {
		for _, wg := range wgs {
			wg.Done()
		}
	}()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case ch <- line{repo: repo, text: scanner.Text()}:
		case <-abort:
			return
		}
	}
}

// writeLines is the single writer: it drains the queue to out in arrival
// order with fixed-width, optionally colored prefixes.
func (m *Multiplexer) writeLines(ch <-chan line, width int, done chan<- struct{}) {
	defer close(done)
	colorFor := m.colorAssignment()
	for l := range ch {
		prefix := fmt.Sprintf("[%-*s]", width, l.repo)
		if c := colorFor(l.repo); c != nil {
			prefix = c.Sprint(prefix)
		}
		fmt.Fprintf(m.out, "%s %s\n", prefix, l.text)
	}
}

// colorAssignment returns a stable repo→color mapping, nil-returning when
// color is disabled.
func (m *Multiplexer) colorAssignment() func(repo string) *color.Color {
	if !m.colors {
		return func(string) *color.Color { return nil }
	}
	assigned := make(map[string]*color.Color)
	next := 0
	var mu sync.Mutex
	return func(repo string) *color.Color {
		mu.Lock()
		defer mu.Unlock()
		c, ok := assigned[repo]
		if !ok {
			c = palette[next%len(palette)]
			assigned[repo] = c
			next++
		}
		return c
	}
}

// terminateAll SIGTERMs every live child, waits the grace period, and
// SIGKILLs survivors.
func (m *Multiplexer) terminateAll(allDone <-chan struct{}) {
	m.mu.Lock()
	var live []*child
	for _, c := range m.children {
		if c.state == StateRunning {
			c.state = StateTerminating
			live = append(live, c)
		}
	}
	m.mu.Unlock()

	for _, c := range live {
		syscall.Kill(-c.cmd.Process.Pid, syscall.SIGTERM)
	}

	select {
	case <-allDone:
	case <-time.After(m.grace):
		m.mu.Lock()
		for _, c := range m.children {
			if c.state == StateTerminating {
				c.killed = true
				syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
			}
		}
		m.mu.Unlock()
		<-allDone
	}
}

func (m *Multiplexer) summaries() []ChildSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChildSummary, 0, len(m.children))
	for _, c := range m.children {
		out = append(out, ChildSummary{Repository: c.repo, ExitCode: c.exit, Died: c.died, Killed: c.killed})
	}
	return out
}

// failChild records a child that never ran; supervision of the repositories
// already spawned continues.
func (m *Multiplexer) failChild(c *child, err error) {
	m.mu.Lock()
	c.state = StateStopped
	c.exit = -1
	c.died = true
	m.mu.Unlock()
	log.WithComponent("watch").Warn().Str("repo", c.repo).Err(err).Msg("failed to start watch child")
}

func (m *Multiplexer) setState(c *child, s State) {
	m.mu.Lock()
	c.state = s
	m.mu.Unlock()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

package errfmt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
)

// Entry describes one failed per-repository command for user-visible
// rendering. Stderr is coerced to valid UTF-8 before display.
type Entry struct {
	Repository string
	Command    string
	ExitCode   int
	Stderr     string
	Hint       string
}

var (
	failMark = color.New(color.FgRed).Sprint("✗")
	okMark   = color.New(color.FgGreen).Sprint("✓")
)

// FailMark is the canonical failure marker.
func FailMark() string { return failMark }

// OKMark is the canonical success marker.
func OKMark() string { return okMark }

// FirstLine returns the first line of s, coerced to valid UTF-8.
func FirstLine(s string) string {
	s = Sanitize(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Sanitize replaces invalid UTF-8 sequences with the replacement character
// so child stderr can never corrupt the terminal.
func Sanitize(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// HintFor returns a concrete alternative command for a failed operation, or
// an empty string when none applies.
func HintFor(command, repository string) string {
	switch command {
	case "query":
		return fmt.Sprintf("try: grep -r <pattern> %s", repository)
	case "start":
		return fmt.Sprintf("check port availability, then: cidx start (in %s)", repository)
	case "status":
		return fmt.Sprintf("try: cidx status (in %s) for the full error", repository)
	case "fix-config":
		return fmt.Sprintf("inspect %s/.code-indexer/config.json manually", repository)
	default:
		return ""
	}
}

// Format renders one failure in the canonical layout: marker, identity,
// command, exit code, first stderr line, and an optional hint section.
func Format(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s (exit %d)", failMark, e.Repository, e.Command, e.ExitCode)
	if line := FirstLine(e.Stderr); line != "" {
		fmt.Fprintf(&b, ": %s", line)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\n  hint: %s", e.Hint)
	}
	return b.String()
}

// FormatSuccess renders one success line.
func FormatSuccess(repository, command string) string {
	return fmt.Sprintf("%s %s: %s", okMark, repository, command)
}

// Summary renders the final summary block: error details grouped by
// repository, in repository order, preceded by a counts line.
func Summary(succeeded int, failures []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded, %d failed", succeeded, len(failures))
	if len(failures) == 0 {
		return b.String()
	}

	byRepo := make(map[string][]Entry)
	repos := make([]string, 0, len(failures))
	for _, e := range failures {
		if _, seen := byRepo[e.Repository]; !seen {
			repos = append(repos, e.Repository)
		}
		byRepo[e.Repository] = append(byRepo[e.Repository], e)
	}
	sort.Strings(repos)

	b.WriteString("\n\nErrors:")
	for _, repo := range repos {
		fmt.Fprintf(&b, "\n  %s:", repo)
		for _, e := range byRepo[repo] {
			fmt.Fprintf(&b, "\n    %s (exit %d)", e.Command, e.ExitCode)
			if line := FirstLine(e.Stderr); line != "" {
				fmt.Fprintf(&b, ": %s", line)
			}
			if e.Hint != "" {
				fmt.Fprintf(&b, "\n      hint: %s", e.Hint)
			}
		}
	}
	return b.String()
}

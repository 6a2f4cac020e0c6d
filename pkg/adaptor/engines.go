package adaptor

import "sort"

// Engine describes one interchangeable code-agent executor. All engines
// satisfy the same contract: the runner owns the sentinel heartbeat and the
// duplexed output file regardless of which engine runs inside.
type Engine struct {
	// Name is the alias jobs select the engine by.
	Name string
	// Binary is the executable looked up on PATH.
	Binary string
	// BaseArgs precede the job's own arguments.
	BaseArgs []string
	// Containerized engines run through the container runtime instead of
	// a direct exec.
	Image string
}

// engines is the fixed set of supported adaptor variants.
var engines = map[string]Engine{
	"claude":   {Name: "claude", Binary: "claude", BaseArgs: []string{"--print"}},
	"codex":    {Name: "codex", Binary: "codex", BaseArgs: []string{"exec"}},
	"gemini":   {Name: "gemini", Binary: "gemini", BaseArgs: []string{"--yolo"}},
	"qwen":     {Name: "qwen", Binary: "qwen", BaseArgs: []string{"--yolo"}},
	"opencode": {Name: "opencode", Binary: "opencode", BaseArgs: []string{"run"}},
	"crush":    {Name: "crush", Binary: "crush", BaseArgs: []string{"run"}},
}

// Lookup returns the engine registered under name.
func Lookup(name string) (Engine, bool) {
	e, ok := engines[name]
	return e, ok
}

// Names returns the supported engine names, sorted.
func Names() []string {
	out := make([]string, 0, len(engines))
	for name := range engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

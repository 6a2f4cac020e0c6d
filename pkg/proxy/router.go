package proxy

// Mode says how a command fans out across the discovered repositories.
type Mode int

const (
	// ModeParallel runs one child per repository concurrently with
	// independent outputs.
	ModeParallel Mode = iota
	// ModeSequential runs repositories one at a time; lifecycle commands
	// contend for shared resources (ports, containers).
	ModeSequential
	// ModeQuery fans out in parallel and merges results by score.
	ModeQuery
	// ModeWatch runs long-lived children with multiplexed output.
	ModeWatch
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModeQuery:
		return "query"
	case ModeWatch:
		return "watch"
	default:
		return "parallel"
	}
}

// sequentialCommands are resource-lifecycle operations that must not race
// each other across repositories.
var sequentialCommands = map[string]bool{
	"start":      true,
	"stop":       true,
	"uninstall":  true,
	"fix-config": true,
}

// Classify maps a command name to its fan-out mode.
func Classify(command string) Mode {
	switch {
	case sequentialCommands[command]:
		return ModeSequential
	case command == "query":
		return ModeQuery
	case command == "watch":
		return ModeWatch
	default:
		return ModeParallel
	}
}

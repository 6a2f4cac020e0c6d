package fanout

import (
	"context"
	"strconv"

	"github.com/cidxlabs/cidx/pkg/aggregate"
	"github.com/cidxlabs/cidx/pkg/errfmt"
	"github.com/cidxlabs/cidx/pkg/types"
)

// QueryOutcome is the merged answer of a fanned-out query.
type QueryOutcome struct {
	Results []types.QueryResult
	// Failures carries per-repo errors with hints; they never fail the
	// query as a whole.
	Failures []errfmt.Entry
}

// Query fans a query out over every repository with the same global limit,
// parses each child's output, and merges by descending score truncated to
// limit. Limit zero means no truncation. Every repo gets the full limit so
// each contributes its strongest candidates before the global cut.
func (e *Executor) Query(ctx context.Context, repos []string, terms []string, limit int) QueryOutcome {
	args := append([]string(nil), terms...)
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}

	execs := e.Parallel(ctx, repos, "query", args)

	var outcome QueryOutcome
	perRepo := make([]aggregate.RepoResults, 0, len(execs))
	for _, res := range execs {
		if !res.Succeeded() {
			outcome.Failures = append(outcome.Failures, errfmt.Entry{
				Repository: res.Repository,
				Command:    "query",
				ExitCode:   res.ExitCode,
				Stderr:     res.Stderr,
				Hint:       errfmt.HintFor("query", res.Repository),
			})
			continue
		}
		parsed, err := aggregate.Parse([]byte(res.Stdout))
		if err != nil {
			outcome.Failures = append(outcome.Failures, errfmt.Entry{
				Repository: res.Repository,
				Command:    "query",
				ExitCode:   res.ExitCode,
				Stderr:     "unparseable query output: " + err.Error(),
				Hint:       errfmt.HintFor("query", res.Repository),
			})
			continue
		}
		perRepo = append(perRepo, aggregate.RepoResults{Repository: res.Repository, Results: parsed})
	}

	outcome.Results = aggregate.Merge(perRepo, limit)
	return outcome
}

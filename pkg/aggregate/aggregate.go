package aggregate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cidxlabs/cidx/pkg/types"
)

// RepoResults is the parsed outcome of one repository's query: either a
// result list or a failure. Failures never fail the aggregate query.
type RepoResults struct {
	Repository string
	Results    []types.QueryResult
	Err        error
}

// ranked pairs a result with its arrival ordinal within its repository so
// the merge sort is stable for equal scores.
type ranked struct {
	types.QueryResult
	ordinal int
}

// Merge combines per-repository result sets into a single list sorted by
// descending score, stable by (score, repo, ordinal), truncated to limit.
// A limit of zero or less means no truncation.
func Merge(perRepo []RepoResults, limit int) []types.QueryResult {
	var all []ranked
	for _, rr := range perRepo {
		for i, r := range rr.Results {
			r.SourceRepo = rr.Repository
			all = append(all, ranked{QueryResult: r, ordinal: i})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		if all[i].SourceRepo != all[j].SourceRepo {
			return all[i].SourceRepo < all[j].SourceRepo
		}
		return all[i].ordinal < all[j].ordinal
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	merged := make([]types.QueryResult, len(all))
	for i, r := range all {
		merged[i] = r.QueryResult
	}
	return merged
}

// Parse extracts scored results from a repository's query output. Both a
// single JSON array and newline-delimited JSON objects are accepted; blank
// lines and non-JSON noise lines are skipped.
func Parse(output []byte) ([]types.QueryResult, error) {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var results []types.QueryResult
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("failed to parse query results: %w", err)
		}
		return results, nil
	}

	var results []types.QueryResult
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var r types.QueryResult
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return results, fmt.Errorf("failed to scan query results: %w", err)
	}
	return results, nil
}

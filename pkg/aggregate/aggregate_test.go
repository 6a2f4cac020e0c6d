package aggregate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/types"
)

func results(repo string, scores ...float64) RepoResults {
	rr := RepoResults{Repository: repo}
	for i, s := range scores {
		rr.Results = append(rr.Results, types.QueryResult{
			Score: s,
			File:  fmt.Sprintf("%s/file%d.go", repo, i),
		})
	}
	return rr
}

func TestMergeGlobalLimit(t *testing.T) {
	perRepo := []RepoResults{
		results("repoA", 0.9, 0.5, 0.1),
		results("repoB", 0.8, 0.7),
		results("repoC", 0.95, 0.6),
	}

	merged := Merge(perRepo, 4)
	require.Len(t, merged, 4)
	assert.Equal(t, []float64{0.95, 0.9, 0.8, 0.7},
		[]float64{merged[0].Score, merged[1].Score, merged[2].Score, merged[3].Score})
	assert.Equal(t, "repoC", merged[0].SourceRepo)
	assert.Equal(t, "repoA", merged[1].SourceRepo)
}

func TestMergeStableOnEqualScores(t *testing.T) {
	perRepo := []RepoResults{
		results("repoB", 0.5, 0.5),
		results("repoA", 0.5),
	}

	merged := Merge(perRepo, 0)
	require.Len(t, merged, 3)
	// Ties break by repo name, then by per-repo ordinal.
	assert.Equal(t, "repoA", merged[0].SourceRepo)
	assert.Equal(t, "repoB/file0.go", merged[1].File)
	assert.Equal(t, "repoB/file1.go", merged[2].File)
}

func TestMergeZeroLimitNoTruncation(t *testing.T) {
	perRepo := []RepoResults{results("repoA", 0.9, 0.8, 0.7)}
	assert.Len(t, Merge(perRepo, 0), 3)
	assert.Len(t, Merge(perRepo, -1), 3)
}

func TestParseJSONArray(t *testing.T) {
	out := []byte(`[{"score":0.9,"file":"a.go"},{"score":0.1,"file":"b.go"}]`)
	got, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Score)
}

func TestParseJSONLinesSkipsNoise(t *testing.T) {
	out := []byte("Scanning index...\n{\"score\":0.7,\"file\":\"x.go\"}\n\nnot json\n{\"score\":0.2,\"file\":\"y.go\"}\n")
	got, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x.go", got[0].File)
}

func TestParseEmpty(t *testing.T) {
	got, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

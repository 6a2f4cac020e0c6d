package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/queue"
	"github.com/cidxlabs/cidx/pkg/recovery"
	"github.com/cidxlabs/cidx/pkg/registry"
	"github.com/cidxlabs/cidx/pkg/scheduler"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/stats"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/wal"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	q, err := queue.Open(layout, wal.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	reg, err := registry.Open(layout)
	require.NoError(t, err)
	st, err := stats.Open(layout)
	require.NoError(t, err)
	logStore, err := recovery.OpenLog(layout)
	require.NoError(t, err)
	batches, err := scheduler.OpenBatches(layout)
	require.NoError(t, err)

	deps := Deps{
		Queue:      q,
		Registry:   reg,
		Stats:      st,
		StartupLog: logStore,
		Monitor:    sentinel.NewMonitor(layout),
		Batches:    batches,
	}
	srv := httptest.NewServer(New(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitAndGetJob(t *testing.T) {
	srv, deps := testServer(t)
	_, err := deps.Registry.AddGolden("backend", "u", "main")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/jobs", submitRequest{
		Repository: "backend",
		Owner:      "alice",
		Args:       []string{"index"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]json.RawMessage](t, resp)

	var job types.Job
	require.NoError(t, json.Unmarshal(created["job"], &job))
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.SessionID)

	resp2, err := http.Get(srv.URL + "/api/jobs/" + job.ID)
	require.NoError(t, err)
	got := decode[types.Job](t, resp2)
	assert.Equal(t, job.ID, got.ID)
}

func TestSubmitUnknownRepository(t *testing.T) {
	srv, _ := testServer(t)
	resp := postJSON(t, srv.URL+"/api/jobs", submitRequest{Repository: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitCompositeRepository(t *testing.T) {
	srv, deps := testServer(t)
	_, err := deps.Registry.AddGolden("a", "u", "main")
	require.NoError(t, err)
	_, err = deps.Registry.AddGolden("b", "u", "main")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/jobs", submitRequest{Repository: "a+b"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestBatchMembersWaitForLeader(t *testing.T) {
	srv, deps := testServer(t)
	_, err := deps.Registry.AddGolden("backend", "u", "main")
	require.NoError(t, err)

	r1 := postJSON(t, srv.URL+"/api/jobs", submitRequest{Repository: "backend", BatchID: "b1"})
	require.Equal(t, http.StatusCreated, r1.StatusCode)
	var j1 types.Job
	require.NoError(t, json.Unmarshal(decode[map[string]json.RawMessage](t, r1)["job"], &j1))
	assert.Equal(t, types.JobStatusQueued, j1.Status)

	r2 := postJSON(t, srv.URL+"/api/jobs", submitRequest{Repository: "backend", BatchID: "b1"})
	var j2 types.Job
	require.NoError(t, json.Unmarshal(decode[map[string]json.RawMessage](t, r2)["job"], &j2))
	assert.Equal(t, types.JobStatusBatchedWaiting, j2.Status)
}

func TestCancelPendingJob(t *testing.T) {
	srv, deps := testServer(t)
	_, err := deps.Registry.AddGolden("backend", "u", "main")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/jobs", submitRequest{Repository: "backend"})
	var job types.Job
	require.NoError(t, json.Unmarshal(decode[map[string]json.RawMessage](t, resp)["job"], &job))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+job.ID, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, del.StatusCode)
	del.Body.Close()

	got, _ := deps.Queue.Get(job.ID)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
}

func TestStartupLogEndpoint(t *testing.T) {
	srv, deps := testServer(t)
	require.NoError(t, deps.StartupLog.Append(types.StartupReport{
		StartupID:    "s-1",
		DegradedMode: true,
		Operations: []types.PhaseOperation{
			{Phase: "Queue", Status: types.PhaseStatusSuccess, Counts: map[string]int{"jobs_recovered": 20}},
		},
	}))

	resp, err := http.Get(srv.URL + "/api/system/startup-log")
	require.NoError(t, err)
	doc := decode[types.StartupLog](t, resp)
	require.NotNil(t, doc.Current)
	assert.Equal(t, "s-1", doc.Current.StartupID)
	assert.Equal(t, 20, doc.Current.Operations[0].Counts["jobs_recovered"])
}

func TestAddGoldenConflict(t *testing.T) {
	srv, _ := testServer(t)
	r1 := postJSON(t, srv.URL+"/api/repos", addGoldenRequest{Alias: "x", URL: "u"})
	assert.Equal(t, http.StatusCreated, r1.StatusCode)
	r1.Body.Close()
	r2 := postJSON(t, srv.URL+"/api/repos", addGoldenRequest{Alias: "x", URL: "u"})
	assert.Equal(t, http.StatusConflict, r2.StatusCode)
	r2.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

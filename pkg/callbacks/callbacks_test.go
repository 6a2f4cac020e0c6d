package callbacks

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testStore(t *testing.T) *Store {
	t.Helper()
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	s, err := Open(layout)
	require.NoError(t, err)
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   outcome
	}{
		{200, outcomeSuccess},
		{201, outcomeSuccess},
		{204, outcomeSuccess},
		{400, outcomePermanent},
		{401, outcomePermanent},
		{404, outcomePermanent},
		{408, outcomeRetryable},
		{429, outcomeRetryable},
		{500, outcomeRetryable},
		{502, outcomeRetryable},
		{503, outcomeRetryable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.status), "status %d", tt.status)
	}
}

func TestRetrySchedule(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	cb, err := s.Enqueue("job-1", "http://example.invalid/hook", map[string]interface{}{"status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, base, cb.NextRetryAt, "first attempt is immediate")

	expected := []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	for i, delay := range expected {
		retired, err := s.RecordFailure(cb.ID, "HTTP 500", true)
		require.NoError(t, err)
		assert.False(t, retired, "attempt %d is retryable", i+1)

		pending := s.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, base.Add(delay), pending[0].NextRetryAt)
		assert.Equal(t, i+1, pending[0].Attempts)
	}

	// The fourth failed attempt exhausts the entry.
	retired, err := s.RecordFailure(cb.ID, "HTTP 500", true)
	require.NoError(t, err)
	assert.True(t, retired)
	assert.Empty(t, s.Pending())

	failed, err := s.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, MaxAttempts, failed[0].Attempts)
	assert.Equal(t, "HTTP 500", failed[0].LastError)
	assert.Equal(t, types.CallbackStatusFailed, failed[0].Status)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	s := testStore(t)

	cb, err := s.Enqueue("job-1", "http://example.invalid/hook", nil)
	require.NoError(t, err)

	retired, err := s.RecordFailure(cb.ID, "HTTP 404", false)
	require.NoError(t, err)
	assert.True(t, retired, "non-retryable 4xx fails immediately")

	failed, err := s.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
}

func TestDueRespectsSchedule(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	cb, err := s.Enqueue("job-1", "http://example.invalid/hook", nil)
	require.NoError(t, err)
	require.Len(t, s.Due(), 1)

	_, err = s.RecordFailure(cb.ID, "HTTP 500", true)
	require.NoError(t, err)
	assert.Empty(t, s.Due(), "rescheduled entry is not due yet")

	s.now = func() time.Time { return base.Add(31 * time.Second) }
	assert.Len(t, s.Due(), 1)
}

func TestRecoverResetsInFlight(t *testing.T) {
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	s, err := Open(layout)
	require.NoError(t, err)
	cb, err := s.Enqueue("job-1", "http://example.invalid/hook", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(cb.ID))

	// Crash: a fresh store loads the same file.
	reopened, err := Open(layout)
	require.NoError(t, err)
	stats, err := reopened.Recover()
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Loaded)
	assert.Equal(t, 1, stats.Reset)

	pending := reopened.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, types.CallbackStatusPending, pending[0].Status)
}

func TestDeliverSuccess(t *testing.T) {
	s := testStore(t)

	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cb, err := s.Enqueue("job-1", server.URL, map[string]interface{}{"status": "completed"})
	require.NoError(t, err)

	d := NewDispatcher(s, 5*time.Second)
	d.deliverDue()

	assert.Empty(t, s.Pending(), "delivered entry is removed")
	body, _ := gotBody.Load().(string)
	assert.Contains(t, body, cb.ID, "payload carries the idempotency key")
	assert.Contains(t, body, `"job_id":"job-1"`)
	assert.Contains(t, body, `"status":"completed"`)
}

func TestDeliverServerErrorReschedules(t *testing.T) {
	s := testStore(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := s.Enqueue("job-1", server.URL, nil)
	require.NoError(t, err)

	d := NewDispatcher(s, 5*time.Second)
	d.deliverDue()

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, types.CallbackStatusPending, pending[0].Status)
}

func TestDeliverNetworkErrorReschedules(t *testing.T) {
	s := testStore(t)

	// Nothing listens here.
	_, err := s.Enqueue("job-1", "http://127.0.0.1:1/hook", nil)
	require.NoError(t, err)

	d := NewDispatcher(s, time.Second)
	d.deliverDue()

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.NotEmpty(t, pending[0].LastError)
}

func TestDeliverBadRequestFailsPermanently(t *testing.T) {
	s := testStore(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := s.Enqueue("job-1", server.URL, nil)
	require.NoError(t, err)

	d := NewDispatcher(s, 5*time.Second)
	d.deliverDue()

	assert.Empty(t, s.Pending())
	failed, err := s.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "HTTP 400", failed[0].LastError)
}

func TestQueueSurvivesReload(t *testing.T) {
	layout := workspace.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	s, err := Open(layout)
	require.NoError(t, err)
	_, err = s.Enqueue("job-1", "http://example.invalid/hook", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	reloaded, err := Open(layout)
	require.NoError(t, err)
	pending := reloaded.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].JobID)
	assert.Equal(t, "v", pending[0].Payload["k"])
}

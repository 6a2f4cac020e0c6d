package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cidxlabs/cidx/pkg/catalog"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/queue"
	"github.com/cidxlabs/cidx/pkg/recovery"
	"github.com/cidxlabs/cidx/pkg/registry"
	"github.com/cidxlabs/cidx/pkg/scheduler"
	"github.com/cidxlabs/cidx/pkg/sentinel"
	"github.com/cidxlabs/cidx/pkg/stats"
	"github.com/cidxlabs/cidx/pkg/types"
)

// Deps are the stores the API reads and writes.
type Deps struct {
	Queue      *queue.Store
	Registry   *registry.Store
	Stats      *stats.Store
	StartupLog *recovery.LogStore
	Monitor    *sentinel.Monitor
	Batches    *scheduler.BatchStore
	// Catalog may be nil; generation endpoints return 404 then.
	Catalog *catalog.Catalog
}

// Handler is the server's HTTP surface: health, metrics, the read-only
// startup log, job submission and inspection, and the repository registry.
type Handler struct {
	deps Deps
	mux  *chi.Mux
}

// New builds the router.
func New(deps Deps) *Handler {
	h := &Handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/system/startup-log", h.startupLog)
		r.Get("/system/statistics", h.statistics)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.submitJob)
			r.Get("/", h.listJobs)
			r.Get("/{id}", h.getJob)
			r.Get("/{id}/output", h.jobOutput)
			r.Delete("/{id}", h.cancelJob)
		})

		r.Route("/repos", func(r chi.Router) {
			r.Get("/", h.listRepos)
			r.Post("/", h.addGolden)
			r.Post("/{alias}/activate", h.activate)
			r.Get("/{alias}/generations", h.generations)
		})
	})

	h.mux = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// instrument records request counts and latency.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetHealth())
}

func (h *Handler) startupLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.StartupLog.Log())
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Stats.Snapshot())
}

// submitRequest is the job submission payload.
type submitRequest struct {
	Repository string   `json:"repository"`
	Owner      string   `json:"owner"`
	Args       []string `json:"args"`
	Engine     string   `json:"engine,omitempty"`
	BatchID    string   `json:"batch_id,omitempty"`
	Webhooks   []string `json:"webhooks,omitempty"`
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Repository == "" {
		writeError(w, http.StatusBadRequest, "repository is required")
		return
	}
	if !h.deps.Registry.Exists(req.Repository) && !isComposite(req.Repository, h.deps.Registry) {
		writeError(w, http.StatusNotFound, "unknown repository "+req.Repository)
		return
	}

	job := &types.Job{
		ID:         uuid.New().String(),
		Status:     types.JobStatusQueued,
		Owner:      req.Owner,
		Repository: req.Repository,
		Args:       req.Args,
		Engine:     req.Engine,
		BatchID:    req.BatchID,
		Webhooks:   req.Webhooks,
		SessionID:  uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
	}

	if req.BatchID != "" {
		leader, err := h.deps.Batches.Join(req.BatchID, req.Repository, job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !leader {
			job.Status = types.JobStatusBatchedWaiting
		}
	}

	position, err := h.deps.Queue.Enqueue(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.WithJobID(job.ID).Info().Str("repository", job.Repository).Int("position", position).Msg("job submitted")
	writeJSON(w, http.StatusCreated, map[string]any{
		"job":      job,
		"position": position,
	})
}

// isComposite accepts "a+b" aliases when every named repository exists.
func isComposite(alias string, reg *registry.Store) bool {
	repos := strings.Split(alias, "+")
	if len(repos) < 2 {
		return false
	}
	for _, r := range repos {
		if r == "" || !reg.Exists(r) {
			return false
		}
	}
	return true
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.deps.Queue.List()
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Owner == owner {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.deps.Queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) jobOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := h.deps.Queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	// The output file is authoritative even while the job runs.
	data, err := h.deps.Monitor.ReadOutput(job.ID, job.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no output recorded")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.deps.Queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if job.Status == types.JobStatusRunning {
		writeError(w, http.StatusConflict, "job is running; cancellation applies to pending jobs")
		return
	}
	code := -1
	if err := h.deps.Queue.Finish(id, types.JobStatusCancelled, &code, "cancelled by user"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) listRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"golden":      h.deps.Registry.ListGolden(),
		"activations": h.deps.Registry.ListActivations(r.URL.Query().Get("owner")),
	})
}

type addGoldenRequest struct {
	Alias  string `json:"alias"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

func (h *Handler) addGolden(w http.ResponseWriter, r *http.Request) {
	var req addGoldenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Alias == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "alias and url are required")
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	g, err := h.deps.Registry.AddGolden(req.Alias, req.URL, req.Branch)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

type activateRequest struct {
	Alias  string `json:"alias"`
	Owner  string `json:"owner"`
	Branch string `json:"branch,omitempty"`
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	golden := chi.URLParam(r, "alias")
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Alias == "" || req.Owner == "" {
		writeError(w, http.StatusBadRequest, "alias and owner are required")
		return
	}
	a, err := h.deps.Registry.Activate(req.Alias, golden, req.Owner, req.Branch)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, registry.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, registry.ErrExists):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) generations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		writeError(w, http.StatusNotFound, "index catalog unavailable")
		return
	}
	alias := chi.URLParam(r, "alias")
	branch := r.URL.Query().Get("branch")
	hist, err := h.deps.Catalog.History(alias, branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

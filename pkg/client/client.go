package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/cidxlabs/cidx/pkg/types"
)

// defaultPoll is the job status poll interval for Wait.
const defaultPoll = 500 * time.Millisecond

// RepoConfig is a repository's .code-indexer/config.json in leaf (non-proxy)
// mode: which server indexes it and under what alias.
type RepoConfig struct {
	ProxyMode bool   `json:"proxy_mode"`
	ServerURL string `json:"server_url"`
	Alias     string `json:"alias"`
}

// LoadRepoConfig reads the leaf config for the repository at dir.
func LoadRepoConfig(dir string) (*RepoConfig, error) {
	path := filepath.Join(dir, ".code-indexer", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RepoConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.ProxyMode {
		return nil, fmt.Errorf("%s is a proxy configuration, not a repository", path)
	}
	if cfg.ServerURL == "" || cfg.Alias == "" {
		return nil, fmt.Errorf("%s must set server_url and alias", path)
	}
	return &cfg, nil
}

// Client talks to the server's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	poll    time.Duration
}

// New builds a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    cleanhttp.DefaultPooledClient(),
		poll:    defaultPoll,
	}
}

// SubmitJob enqueues a job and returns it with its queue position.
func (c *Client) SubmitJob(ctx context.Context, repository, owner string, args []string) (*types.Job, int, error) {
	payload := map[string]any{
		"repository": repository,
		"owner":      owner,
		"args":       args,
	}
	var out struct {
		Job      *types.Job `json:"job"`
		Position int        `json:"position"`
	}
	if err := c.post(ctx, "/api/jobs", payload, &out); err != nil {
		return nil, 0, err
	}
	return out.Job, out.Position, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.get(ctx, "/api/jobs/"+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls until the job reaches a terminal status or ctx expires.
func (c *Client) Wait(ctx context.Context, id string) (*types.Job, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Output fetches the job's authoritative output file. A job without output
// yields nil without error.
func (c *Client) Output(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+id+"/output", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Statistics fetches the server's usage snapshot.
func (c *Client) Statistics(ctx context.Context) (*types.StatisticsSnapshot, error) {
	var snap types.StatisticsSnapshot
	if err := c.get(ctx, "/api/system/statistics", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StartupLog fetches the server's startup history.
func (c *Client) StartupLog(ctx context.Context) (*types.StartupLog, error) {
	var slog types.StartupLog
	if err := c.get(ctx, "/api/system/startup-log", &slog); err != nil {
		return nil, err
	}
	return &slog, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/cidxlabs/cidx/pkg/log"
)

// Client forwards JSON-RPC requests to the upstream server over HTTPS with
// bearer auth, transparent token refresh, and SSE assembly.
type Client struct {
	cfg   *Config
	creds *CredentialStore
	http  *http.Client
}

// NewClient builds the upstream client with the configured timeout.
func NewClient(cfg *Config, creds *CredentialStore) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.Timeout()
	return &Client{cfg: cfg, creds: creds, http: hc}
}

// Call forwards one request and returns either its result payload or a
// JSON-RPC error. A 401 triggers one token refresh (falling back to a
// credential login) and a single retry.
func (c *Client) Call(ctx context.Context, req *Request) (json.RawMessage, *RPCError) {
	result, status, rpcErr := c.doCall(ctx, req)
	if status == http.StatusUnauthorized {
		if err := c.reauthenticate(ctx); err != nil {
			return nil, NewError(CodeServerError, "authentication failed", err.Error())
		}
		result, _, rpcErr = c.doCall(ctx, req)
	}
	return result, rpcErr
}

func (c *Client) doCall(ctx context.Context, req *Request) (json.RawMessage, int, *RPCError) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, NewError(CodeInternalError, "failed to encode request", err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.ServerURL, "/")+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, 0, NewError(CodeInternalError, "failed to build upstream request", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, 0, NewError(CodeServerError, "upstream request timed out", "")
		}
		return nil, 0, NewError(CodeServerError, "server unreachable", sanitizeNetErr(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, http.StatusUnauthorized, NewError(CodeServerError, "unauthorized", "")
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, NewError(CodeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), "")
	case resp.StatusCode == http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, NewError(CodeInvalidParams, "invalid params", strings.TrimSpace(string(detail)))
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, NewError(CodeServerError, fmt.Sprintf("upstream returned %d", resp.StatusCode), strings.TrimSpace(string(detail)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		payload, err := AssembleSSE(resp.Body)
		if err != nil {
			return nil, resp.StatusCode, NewError(CodeServerError, "incomplete event stream", err.Error())
		}
		return payload, resp.StatusCode, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, NewError(CodeServerError, "failed to read upstream response", err.Error())
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		return nil, resp.StatusCode, NewError(CodeServerError, "upstream returned invalid json", "")
	}
	return json.RawMessage(raw), resp.StatusCode, nil
}

// tokenPair is the auth endpoints' response shape.
type tokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// reauthenticate refreshes the access token, falling back to a full login
// with the stored credentials, and persists the new pair atomically.
func (c *Client) reauthenticate(ctx context.Context) error {
	logger := log.WithComponent("bridge")

	if c.cfg.RefreshToken != "" {
		pair, err := c.postAuth(ctx, "/auth/refresh", map[string]string{"refresh_token": c.cfg.RefreshToken})
		if err == nil {
			logger.Debug().Msg("token refreshed")
			return c.cfg.SaveTokens(pair.Token, pair.RefreshToken)
		}
		logger.Debug().Err(err).Msg("token refresh failed, trying credential login")
	}

	if c.creds == nil || !c.creds.Exists() {
		return errors.New("no refresh token and no stored credentials")
	}
	creds, err := c.creds.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	pair, err := c.postAuth(ctx, "/auth/login", map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return err
	}
	logger.Debug().Msg("re-login succeeded")
	return c.cfg.SaveTokens(pair.Token, pair.RefreshToken)
}

func (c *Client) postAuth(ctx context.Context, path string, payload map[string]string) (*tokenPair, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.ServerURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("invalid auth response: %w", err)
	}
	if pair.Token == "" {
		return nil, errors.New("auth response carried no token")
	}
	return &pair, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// sanitizeNetErr strips anything that could echo a token from a transport
// error before it reaches the client.
func sanitizeNetErr(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "Bearer "); i >= 0 {
		msg = msg[:i] + "Bearer ***"
	}
	return msg
}

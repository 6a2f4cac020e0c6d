package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/cidxlabs/cidx/pkg/log"
)

// Bridge is the stdio⇄HTTPS adapter: newline-delimited JSON-RPC requests in,
// one response line out per request. It is single-threaded by design; MCP
// clients expect responses in request order.
type Bridge struct {
	cfg    *Config
	client *Client
	in     io.Reader
	out    io.Writer
}

// New builds a bridge reading requests from in and writing responses to out.
func New(cfg *Config, creds *CredentialStore, in io.Reader, out io.Writer) *Bridge {
	return &Bridge{
		cfg:    cfg,
		client: NewClient(cfg, creds),
		in:     in,
		out:    out,
	}
}

// Run processes requests until in closes. A closed stdin is a clean exit.
func (b *Bridge) Run(ctx context.Context) error {
	logger := log.WithComponent("bridge")
	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(b.out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		resp := b.handle(ctx, line)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("stdin read failed")
		return err
	}
	logger.Debug().Msg("stdin closed, exiting")
	return nil
}

// handle turns one input line into exactly one response.
func (b *Bridge) handle(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, NewError(CodeParseError, "parse error", err.Error()))
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
	defer cancel()

	result, rpcErr := b.client.Call(callCtx, &req)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return resultResponse(req.ID, result)
}

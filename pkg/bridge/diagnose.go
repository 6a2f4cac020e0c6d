package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Diagnose prints the environment, effective configuration with sources,
// and an upstream reachability probe. Tokens are masked throughout.
func Diagnose(cfg *Config, creds *CredentialStore, out io.Writer) {
	fmt.Fprintln(out, "== environment ==")
	for _, name := range []string{"CIDX_SERVER_URL", "CIDX_TOKEN", "CIDX_TIMEOUT", "CIDX_LOG_LEVEL", "MCPB_SERVER_URL", "MCPB_TOKEN"} {
		v := os.Getenv(name)
		switch {
		case v == "":
			fmt.Fprintf(out, "  %s: (unset)\n", name)
		case name == "CIDX_TOKEN" || name == "MCPB_TOKEN":
			fmt.Fprintf(out, "  %s: %s\n", name, MaskToken(v))
		default:
			fmt.Fprintf(out, "  %s: %s\n", name, v)
		}
	}

	fmt.Fprintln(out, "== effective config ==")
	fmt.Fprintf(out, "  server_url: %s (%s)\n", cfg.ServerURL, cfg.Sources["server_url"])
	fmt.Fprintf(out, "  token:      %s (%s)\n", MaskToken(cfg.Token), cfg.Sources["token"])
	fmt.Fprintf(out, "  timeout:    %ds (%s)\n", cfg.TimeoutSec, cfg.Sources["timeout"])
	fmt.Fprintf(out, "  log_level:  %s (%s)\n", cfg.LogLevel, cfg.Sources["log_level"])
	fmt.Fprintf(out, "  credentials stored: %v\n", creds != nil && creds.Exists())

	fmt.Fprintln(out, "== reachability ==")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ServerURL, nil)
	if err != nil {
		fmt.Fprintf(out, "  probe failed: %s\n", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(out, "  %s unreachable: %s\n", cfg.ServerURL, sanitizeNetErr(err))
		return
	}
	resp.Body.Close()
	fmt.Fprintf(out, "  %s reachable (HTTP %d)\n", cfg.ServerURL, resp.StatusCode)
}

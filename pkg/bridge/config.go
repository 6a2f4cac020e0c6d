package bridge

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
)

// DefaultTimeout applies when neither environment nor file set one.
const DefaultTimeout = 30 * time.Second

// ConfigDir returns ~/.mcpb.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpb"
	}
	return filepath.Join(home, ".mcpb")
}

// Config is the bridge's effective configuration.
type Config struct {
	ServerURL    string `json:"server_url"`
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TimeoutSec   int    `json:"timeout"`
	LogLevel     string `json:"log_level"`

	// Sources records where each effective field came from, for --diagnose.
	Sources map[string]string `json:"-"`
	// path is the file the config was loaded from (and tokens rewritten to).
	path string
}

// Timeout returns the effective upstream call timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// LoadConfig resolves the configuration with environment variables winning
// over the config file, the file over defaults. Legacy MCPB_* variables are
// honored below their CIDX_* counterparts.
func LoadConfig(dir string) (*Config, error) {
	cfg := &Config{
		TimeoutSec: int(DefaultTimeout / time.Second),
		LogLevel:   "info",
		Sources:    map[string]string{"server_url": "default", "token": "default", "timeout": "default", "log_level": "default"},
		path:       filepath.Join(dir, "config.json"),
	}

	if data, err := os.ReadFile(cfg.path); err == nil {
		if info, serr := os.Stat(cfg.path); serr == nil && info.Mode().Perm() != 0600 {
			log.WithComponent("bridge").Warn().Str("path", cfg.path).Str("mode", info.Mode().Perm().String()).Msg("config file should be mode 0600")
		}
		var file Config
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.path, err)
		}
		if file.ServerURL != "" {
			cfg.ServerURL = file.ServerURL
			cfg.Sources["server_url"] = "file"
		}
		if file.Token != "" {
			cfg.Token = file.Token
			cfg.Sources["token"] = "file"
		}
		if file.RefreshToken != "" {
			cfg.RefreshToken = file.RefreshToken
		}
		if file.TimeoutSec != 0 {
			cfg.TimeoutSec = file.TimeoutSec
			cfg.Sources["timeout"] = "file"
		}
		if file.LogLevel != "" {
			cfg.LogLevel = file.LogLevel
			cfg.Sources["log_level"] = "file"
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv := func(field *string, source, primary, legacy string) {
		if v := os.Getenv(legacy); v != "" {
			*field = v
			cfg.Sources[source] = "env:" + legacy
		}
		if v := os.Getenv(primary); v != "" {
			*field = v
			cfg.Sources[source] = "env:" + primary
		}
	}
	applyEnv(&cfg.ServerURL, "server_url", "CIDX_SERVER_URL", "MCPB_SERVER_URL")
	applyEnv(&cfg.Token, "token", "CIDX_TOKEN", "MCPB_TOKEN")
	applyEnv(&cfg.LogLevel, "log_level", "CIDX_LOG_LEVEL", "MCPB_LOG_LEVEL")

	var timeoutStr string
	applyEnv(&timeoutStr, "timeout", "CIDX_TIMEOUT", "MCPB_TIMEOUT")
	if timeoutStr != "" {
		sec, err := strconv.Atoi(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeoutStr, err)
		}
		cfg.TimeoutSec = sec
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the transport constraints.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is not configured (set CIDX_SERVER_URL or %s)", c.path)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "https" && !isLocalhost(u.Hostname()) {
		return fmt.Errorf("server_url must use https (got %s for host %s)", u.Scheme, u.Hostname())
	}
	if c.TimeoutSec < 1 || c.TimeoutSec > 300 {
		return fmt.Errorf("timeout must be between 1 and 300 seconds, got %d", c.TimeoutSec)
	}
	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warning|error, got %q", c.LogLevel)
	}
	return nil
}

// SaveTokens rewrites the config file with a fresh token pair. The write
// goes through the atomic writer so a crash never leaves a half-written
// token file.
func (c *Config) SaveTokens(token, refreshToken string) error {
	c.Token = token
	c.RefreshToken = refreshToken

	onDisk := map[string]any{}
	if data, err := os.ReadFile(c.path); err == nil {
		if err := json.Unmarshal(data, &onDisk); err != nil {
			onDisk = map[string]any{}
		}
	}
	onDisk["token"] = token
	onDisk["refresh_token"] = refreshToken
	if _, ok := onDisk["server_url"]; !ok && c.Sources["server_url"] == "file" {
		onDisk["server_url"] = c.ServerURL
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	if err := atomicfile.WriteJSON(c.path, onDisk); err != nil {
		return err
	}
	return os.Chmod(c.path, 0600)
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// MaskToken hides all but the last three characters.
func MaskToken(token string) string {
	if token == "" {
		return "(unset)"
	}
	if len(token) <= 3 {
		return "***"
	}
	return "***" + token[len(token)-3:]
}

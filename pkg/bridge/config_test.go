package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir string, v map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0600))
}

func TestLoadConfigDefaultsNeedServerURL(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "server_url")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, map[string]any{"server_url": "https://file.example.com", "timeout": 60})
	t.Setenv("CIDX_SERVER_URL", "https://env.example.com")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.ServerURL)
	assert.Equal(t, "env:CIDX_SERVER_URL", cfg.Sources["server_url"])
	assert.Equal(t, 60, cfg.TimeoutSec)
	assert.Equal(t, "file", cfg.Sources["timeout"])
}

func TestLegacyEnvLosesToPrimary(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCPB_SERVER_URL", "https://legacy.example.com")
	t.Setenv("CIDX_SERVER_URL", "https://primary.example.com")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://primary.example.com", cfg.ServerURL)

	os.Unsetenv("CIDX_SERVER_URL")
	cfg, err = LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://legacy.example.com", cfg.ServerURL)
	assert.Equal(t, "env:MCPB_SERVER_URL", cfg.Sources["server_url"])
}

func TestHTTPRejectedExceptLocalhost(t *testing.T) {
	dir := t.TempDir()

	for url, wantErr := range map[string]bool{
		"https://api.example.com": false,
		"http://api.example.com":  true,
		"http://localhost:8090":   false,
		"http://127.0.0.1:8090":   false,
		"http://192.168.1.5:8090": true,
	} {
		writeConfigFile(t, dir, map[string]any{"server_url": url})
		_, err := LoadConfig(dir)
		if wantErr {
			assert.Error(t, err, url)
		} else {
			assert.NoError(t, err, url)
		}
	}
}

func TestTimeoutBounds(t *testing.T) {
	dir := t.TempDir()
	for _, sec := range []int{0, -1, 301} {
		writeConfigFile(t, dir, map[string]any{"server_url": "https://x.example.com", "timeout": sec})
		_, err := LoadConfig(dir)
		if sec == 0 {
			// Zero means unset; the default applies.
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
	}

	writeConfigFile(t, dir, map[string]any{"server_url": "https://x.example.com", "timeout": 300})
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.TimeoutSec)
}

func TestInvalidLogLevelRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, map[string]any{"server_url": "https://x.example.com", "log_level": "loud"})
	_, err := LoadConfig(dir)
	assert.ErrorContains(t, err, "log_level")
}

func TestSaveTokensAtomicAndPrivate(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, map[string]any{"server_url": "https://x.example.com"})
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.NoError(t, cfg.SaveTokens("new-token", "new-refresh"))

	info, err := os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "new-token", reloaded.Token)
	assert.Equal(t, "new-refresh", reloaded.RefreshToken)
	assert.Equal(t, "https://x.example.com", reloaded.ServerURL)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "(unset)", MaskToken(""))
	assert.Equal(t, "***", MaskToken("ab"))
	assert.Equal(t, "***xyz", MaskToken("secret-xyz"))
}

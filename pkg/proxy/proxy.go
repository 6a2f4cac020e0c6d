package proxy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
)

// ConfigDirName is the per-repository marker directory.
const ConfigDirName = ".code-indexer"

// configVersion is written into every proxy config this build creates.
const configVersion = "1.0.0"

var (
	// ErrNestedProxy means an ancestor directory is already a proxy root.
	ErrNestedProxy = errors.New("nested proxy configurations are not allowed")
	// ErrNotProxy means the directory holds no proxy configuration.
	ErrNotProxy = errors.New("not a proxy-mode directory")
	// ErrAlreadyInitialized means the directory already has a config.
	ErrAlreadyInitialized = errors.New("directory is already initialized")
)

// ConfigPath returns the proxy config file under root.
func ConfigPath(root string) string {
	return filepath.Join(root, ConfigDirName, "config.json")
}

// Init creates .code-indexer/config.json at root with the discovered
// sub-repositories. Any ancestor that is already a proxy root makes this an
// error: proxies do not nest.
func Init(root string) (*types.ProxyConfig, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(ConfigPath(abs)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, abs)
	}
	if ancestor, found := findAncestorProxy(abs); found {
		return nil, fmt.Errorf("%w: %s is inside proxy %s", ErrNestedProxy, abs, ancestor)
	}

	repos, err := Discover(abs)
	if err != nil {
		return nil, err
	}

	cfg := &types.ProxyConfig{
		ProxyMode:       true,
		DiscoveredRepos: repos,
		Version:         configVersion,
		CreatedAt:       time.Now().UTC(),
	}
	if err := os.MkdirAll(filepath.Join(abs, ConfigDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", ConfigDirName, err)
	}
	if err := atomicfile.WriteJSON(ConfigPath(abs), cfg); err != nil {
		return nil, err
	}
	log.WithComponent("proxy").Info().Int("repos", len(repos)).Str("root", abs).Msg("proxy initialized")
	return cfg, nil
}

// Load reads the proxy config at root.
func Load(root string) (*types.ProxyConfig, error) {
	var cfg types.ProxyConfig
	err := atomicfile.ReadJSON(ConfigPath(root), &cfg)
	if os.IsNotExist(err) {
		return nil, ErrNotProxy
	}
	if err != nil {
		return nil, err
	}
	if !cfg.ProxyMode {
		return nil, ErrNotProxy
	}
	return &cfg, nil
}

// Refresh re-runs discovery and rewrites the stored repository list.
func Refresh(root string) (*types.ProxyConfig, error) {
	cfg, err := Load(root)
	if err != nil {
		return nil, err
	}
	repos, err := Discover(root)
	if err != nil {
		return nil, err
	}
	cfg.DiscoveredRepos = repos
	if err := atomicfile.WriteJSON(ConfigPath(root), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindRoot walks up from start looking for a proxy config.
func FindRoot(start string) (string, bool) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if isProxyRoot(dir) {
			return dir, true
		}
		if dir == filepath.Dir(dir) {
			return "", false
		}
	}
}

// Discover walks the subtree under root collecting directories that contain
// a .code-indexer marker, the proxy root itself excluded. Symlinks are
// resolved and a visited set breaks cycles. Paths come back relative to
// root, sorted.
func Discover(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	var repos []string
	if err := discoverDir(abs, abs, visited, &repos); err != nil {
		return nil, err
	}
	sort.Strings(repos)
	return repos, nil
}

func discoverDir(root, dir string, visited map[string]bool, repos *[]string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		// A dangling symlink is skipped, not fatal.
		return nil
	}
	if visited[resolved] {
		return nil
	}
	visited[resolved] = true

	if dir != root {
		if _, err := os.Stat(filepath.Join(dir, ConfigDirName)); err == nil {
			rel, err := filepath.Rel(root, dir)
			if err != nil {
				return err
			}
			*repos = append(*repos, rel)
			// A repository's own subtree is its business; do not recurse
			// into nested checkouts below an indexed repo.
			return nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsPermission(err) {
			log.WithComponent("proxy").Warn().Str("dir", dir).Msg("skipping unreadable directory")
			return nil
		}
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == ConfigDirName || name == ".git" {
			continue
		}
		child := filepath.Join(dir, name)
		info, err := os.Stat(child)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := discoverDir(root, child, visited, repos); err != nil {
			return err
		}
	}
	return nil
}

// findAncestorProxy reports the closest ancestor (strictly above dir) that
// is a proxy root.
func findAncestorProxy(dir string) (string, bool) {
	for parent := filepath.Dir(dir); ; parent = filepath.Dir(parent) {
		if isProxyRoot(parent) {
			return parent, true
		}
		if parent == filepath.Dir(parent) {
			return "", false
		}
	}
}

func isProxyRoot(dir string) bool {
	var cfg types.ProxyConfig
	if err := atomicfile.ReadJSON(ConfigPath(dir), &cfg); err != nil {
		return false
	}
	return cfg.ProxyMode
}

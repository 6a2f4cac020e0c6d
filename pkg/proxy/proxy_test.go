package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidxlabs/cidx/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// mkRepo creates dir with a .code-indexer marker under root.
func mkRepo(t *testing.T, root string, rel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, rel, ConfigDirName), 0755))
}

func TestDiscoverFindsNestedRepos(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, root, "backend")
	mkRepo(t, root, "services/auth")
	mkRepo(t, root, "services/billing")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0755))

	repos, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", filepath.Join("services", "auth"), filepath.Join("services", "billing")}, repos)
}

func TestDiscoverDoesNotRecurseIntoRepos(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, root, "backend")
	mkRepo(t, root, "backend/vendored")

	repos, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend"}, repos)
}

func TestDiscoverSurvivesSymlinkCycle(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, root, "backend")
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	repos, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend"}, repos)
}

func TestInitWritesConfig(t *testing.T) {
	root := t.TempDir()
	mkRepo(t, root, "backend")

	cfg, err := Init(root)
	require.NoError(t, err)
	assert.True(t, cfg.ProxyMode)
	assert.Equal(t, []string{"backend"}, cfg.DiscoveredRepos)
	assert.False(t, cfg.CreatedAt.IsZero())

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, cfg.DiscoveredRepos, loaded.DiscoveredRepos)
}

func TestInitTwiceFails(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root)
	require.NoError(t, err)
	_, err = Init(root)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitRejectsNestedProxy(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root)
	require.NoError(t, err)

	child := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(child, 0755))
	_, err = Init(child)
	assert.ErrorIs(t, err, ErrNestedProxy)
}

func TestLoadNonProxy(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNotProxy)
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root)
	require.NoError(t, err)

	deep := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0755))

	found, ok := FindRoot(deep)
	require.True(t, ok)
	// Resolve both through symlinks; macOS tempdirs live under /var -> /private/var.
	want, _ := filepath.EvalSymlinks(root)
	got, _ := filepath.EvalSymlinks(found)
	assert.Equal(t, want, got)

	_, ok = FindRoot(t.TempDir())
	assert.False(t, ok)
}

func TestRefreshPicksUpNewRepos(t *testing.T) {
	root := t.TempDir()
	cfg, err := Init(root)
	require.NoError(t, err)
	assert.Empty(t, cfg.DiscoveredRepos)

	mkRepo(t, root, "backend")
	cfg, err = Refresh(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend"}, cfg.DiscoveredRepos)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ModeSequential, Classify("start"))
	assert.Equal(t, ModeSequential, Classify("stop"))
	assert.Equal(t, ModeSequential, Classify("uninstall"))
	assert.Equal(t, ModeSequential, Classify("fix-config"))
	assert.Equal(t, ModeQuery, Classify("query"))
	assert.Equal(t, ModeWatch, Classify("watch"))
	assert.Equal(t, ModeParallel, Classify("status"))
	assert.Equal(t, ModeParallel, Classify("index"))
}

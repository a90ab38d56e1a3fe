package cache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/cache"
)

func withTempCacheRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(cache.RootEnvVar, dir)
	return dir
}

func TestSanitizeGraphName(t *testing.T) {
	require.Equal(t, "my_graph", cache.SanitizeGraphName("my graph"))
	require.Equal(t, "weirdname", cache.SanitizeGraphName("weird!@#name"))
	require.Equal(t, "unnamed_graph", cache.SanitizeGraphName("!!!"))
}

func TestCreateWriteReadRemove(t *testing.T) {
	withTempCacheRoot(t)

	f, err := cache.Create("test graph", "input", true)
	require.NoError(t, err)
	require.True(t, f.Exists())

	require.NoError(t, f.Write("hello"))
	got, err := f.Read()
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	require.NoError(t, f.Close())
	require.False(t, f.Exists())
}

func TestOpenMissingFails(t *testing.T) {
	withTempCacheRoot(t)
	_, err := cache.Open("nope", "input")
	require.Error(t, err)
}

func TestAssetsCloseRemovesEmptyDirectory(t *testing.T) {
	root := withTempCacheRoot(t)

	in, err := cache.Create("g", "input", true)
	require.NoError(t, err)
	out, err := cache.Create("g", "output", true)
	require.NoError(t, err)
	cmd, err := cache.Create("g", "command", true)
	require.NoError(t, err)
	stats, err := cache.Create("g", "statistics", true)
	require.NoError(t, err)

	assets, err := cache.NewAssets(in, out, cmd, stats)
	require.NoError(t, err)
	require.NoError(t, assets.Close())

	_, statErr := os.Stat(filepath.Join(root, "g"))
	require.True(t, os.IsNotExist(statErr))
}

func TestAssetsCloseKeepsNonEmptyDirectory(t *testing.T) {
	root := withTempCacheRoot(t)

	in, err := cache.Create("g2", "input", true)
	require.NoError(t, err)
	out, err := cache.Create("g2", "output", false)
	require.NoError(t, err)
	cmd, err := cache.Create("g2", "command", true)
	require.NoError(t, err)
	stats, err := cache.Create("g2", "statistics", true)
	require.NoError(t, err)

	assets, err := cache.NewAssets(in, out, cmd, stats)
	require.NoError(t, err)
	require.NoError(t, assets.Close())

	_, statErr := os.Stat(filepath.Join(root, "g2"))
	require.NoError(t, statErr)
}

func TestValid(t *testing.T) {
	withTempCacheRoot(t)

	in, _ := cache.Create("v", "input", false)
	out, _ := cache.Create("v", "output", false)
	cmd, _ := cache.Create("v", "command", false)
	stats, _ := cache.Create("v", "statistics", false)
	assets, err := cache.NewAssets(in, out, cmd, stats)
	require.NoError(t, err)

	require.NoError(t, cmd.Write("iree-compile foo.mlir -o out.vmfb\n"))
	require.True(t, cache.Valid(assets, "iree-compile foo.mlir -o out.vmfb\n"))
	require.False(t, cache.Valid(assets, "different command\n"))
}

func TestMismatchedDirectoryRejected(t *testing.T) {
	withTempCacheRoot(t)
	a, _ := cache.Create("a", "input", false)
	b, _ := cache.Create("b", "output", false)
	c, _ := cache.Create("a", "command", false)
	d, _ := cache.Create("a", "statistics", false)
	_, err := cache.NewAssets(a, b, c, d)
	require.Error(t, err)
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backupq/internal/config"
)

func TestWriteDiscovery(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	err := config.WriteDiscovery(dir, config.Discovery{Addr: "127.0.0.1:18008", PID: 4242})
	require.NoError(t, err)

	path := filepath.Join(dir, config.DiscoveryFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `addr = "127.0.0.1:18008"`)
	assert.Contains(t, string(data), "pid = 4242")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestReadDiscovery(t *testing.T) {
	dir := t.TempDir()
	content := "addr = \"[::]:9000\"\npid = 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DiscoveryFileName), []byte(content), 0o644))

	d, err := config.ReadDiscovery(dir)
	require.NoError(t, err)
	assert.Equal(t, "[::]:9000", d.Addr)
	assert.Equal(t, 7, d.PID)
}

func TestReadDiscovery_Missing(t *testing.T) {
	_, err := config.ReadDiscovery(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemoveDiscovery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.WriteDiscovery(dir, config.Discovery{Addr: ":1", PID: 1}))
	config.RemoveDiscovery(dir)

	_, err := os.Stat(config.DiscoveryPath(dir))
	assert.True(t, os.IsNotExist(err))

	// Removing again is harmless.
	config.RemoveDiscovery(dir)
}

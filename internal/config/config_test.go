package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.True(t, cfg.LAN.Enabled)
	require.Equal(t, 1716, cfg.LAN.Port)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DeviceName = "my-laptop"
	cfg.Bluetooth.Enabled = true

	require.NoError(t, Save(dir, cfg))
	require.FileExists(t, filepath.Join(dir, "config.yaml"))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "my-laptop", loaded.DeviceName)
	require.True(t, loaded.Bluetooth.Enabled)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("not: [valid: yaml"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
}

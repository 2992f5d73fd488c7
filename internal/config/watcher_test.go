package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, level string) {
	t.Helper()
	content := "logging:\n  level: " + level + "\n  json_format: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfigFile(t, path, "info")

	initial, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", initial.Logging.Level)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeConfigFile(t, path, "debug")

	select {
	case cfg := <-w.Changes():
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	require.Equal(t, "debug", w.Current().Logging.Level)
}

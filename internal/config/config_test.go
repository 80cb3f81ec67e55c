package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preforkd.yaml")
	contents := "host: 127.0.0.1\nport: 9090\nprocess_count_limit: 8\nprocess_sigterm_timeout: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 8, cfg.ProcessCountLimit)
	require.Equal(t, 2*time.Second, cfg.ProcessSigtermTimeout)
	require.Equal(t, Default().ReadBuffer, cfg.ReadBuffer)
	require.Equal(t, "127.0.0.1:9090", cfg.Addr())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadPoolSize(t *testing.T) {
	cfg := Default()
	cfg.ProcessCountLimit = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets all biosync environment variables for the duration
// of a test so host configuration cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BIOSYNC_CLIENT_ID", "BIOSYNC_CLIENT_SECRET", "BIOSYNC_AUTH_URL",
		"BIOSYNC_TOKEN_URL", "BIOSYNC_REDIRECT_URI", "BIOSYNC_SCOPES",
		"BIOSYNC_API_URL", "BIOSYNC_DATA_DIR", "BIOSYNC_SECRET_PASSPHRASE",
		"BIOSYNC_SYNC_INTERVAL", "BIOSYNC_SYNC_WINDOW", "BIOSYNC_CONFIG",
		"BIOSYNC_CALLBACK_TIMEOUT", "BIOSYNC_LOG_LEVEL", "ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIOSYNC_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultAuthURL, cfg.AuthURL)
	assert.Equal(t, defaultTokenURL, cfg.TokenURL)
	assert.Equal(t, defaultAPIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, defaultRedirectURI, cfg.RedirectURI)
	assert.Equal(t, 30*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.SyncWindow)
	assert.Equal(t, 5*time.Minute, cfg.CallbackTimeout)
	assert.Contains(t, cfg.Scopes, "read:recovery")
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIOSYNC_DATA_DIR", t.TempDir())
	t.Setenv("BIOSYNC_CLIENT_ID", "client-123")
	t.Setenv("BIOSYNC_CLIENT_SECRET", "hunter2hunter2")
	t.Setenv("BIOSYNC_SCOPES", "read:recovery,read:sleep")
	t.Setenv("BIOSYNC_SYNC_INTERVAL", "5m")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "client-123", cfg.ClientID)
	assert.Equal(t, "hunter2hunter2", cfg.ClientSecret)
	assert.Equal(t, []string{"read:recovery", "read:sleep"}, cfg.Scopes)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_id: yaml-client
client_secret: yaml-secret-value
api_url: https://mock.example.com/developer
scopes: [read:cycles]
sync_interval: 10m
data_dir: `+dir+`
`), 0o600))
	t.Setenv("BIOSYNC_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "yaml-client", cfg.ClientID)
	assert.Equal(t, "https://mock.example.com/developer", cfg.APIBaseURL)
	assert.Equal(t, []string{"read:cycles"}, cfg.Scopes)
	assert.Equal(t, 10*time.Minute, cfg.SyncInterval)
}

func TestLoad_EnvWinsOverYAML(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client_id: from-yaml\ndata_dir: "+dir+"\n"), 0o600))
	t.Setenv("BIOSYNC_CONFIG", path)
	t.Setenv("BIOSYNC_CLIENT_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ClientID)
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIOSYNC_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsTooShortInterval(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIOSYNC_DATA_DIR", t.TempDir())
	t.Setenv("BIOSYNC_SYNC_INTERVAL", "5s")

	_, err := Load()
	assert.ErrorContains(t, err, "BIOSYNC_SYNC_INTERVAL")
}

func TestLoad_RejectsTooShortWindow(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIOSYNC_DATA_DIR", t.TempDir())
	t.Setenv("BIOSYNC_SYNC_WINDOW", "1h")

	_, err := Load()
	assert.ErrorContains(t, err, "BIOSYNC_SYNC_WINDOW")
}

func TestPaths_DerivedFromDataDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("BIOSYNC_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "cycles.db"), cfg.CycleDBPath())
	assert.Equal(t, filepath.Join(dir, "secrets.db"), cfg.SecretsDBPath())
}

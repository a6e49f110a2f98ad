package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"HA_WS_URL",
		"HA_ACCESS_TOKEN",
		"HA_REST_ENABLED",
		"HA_PING_INTERVAL",
		"HA_REST_COMMANDS",
		"LAYOUT_PATH",
		"STATE_PATH",
		"LINK_IFACE",
		"LINK_CONTROL_CMD",
		"LINK_RESET_CMD",
		"RECOVERY_ERROR_STREAK_LINK",
		"RECOVERY_ERROR_STREAK_TRANSPORT",
		"RECOVERY_SHORT_SESSIONS_LINK",
		"RECOVERY_SHORT_SESSIONS_TRANSPORT",
		"HTTP_LISTEN_ADDR",
		"API_TOKEN_HASH",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setHubEnv sets the minimum env vars for a valid config.
func setHubEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("HA_WS_URL", "ws://ha.local:8123/api/websocket")
	t.Setenv("HA_ACCESS_TOKEN", "token-abc")
	t.Setenv("LAYOUT_PATH", filepath.Join(dir, "layout.json"))
	t.Setenv("STATE_PATH", filepath.Join(dir, "state.db"))
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setHubEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://ha.local:8123/api/websocket", cfg.WSURL)
	assert.Equal(t, "token-abc", cfg.AccessToken)
	assert.True(t, cfg.RESTEnabled)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 3, cfg.ErrorStreakLink)
	assert.Equal(t, 4, cfg.ErrorStreakTransport)
	assert.Equal(t, 4, cfg.ShortSessionLink)
	assert.Equal(t, 6, cfg.ShortSessionTransport)
	assert.Equal(t, "127.0.0.1:8091", cfg.HTTPListenAddr)
	assert.Equal(t, "wpa_cli", cfg.LinkControlCmd)
	assert.Equal(t, filepath.Join(dir, "layout.json"), cfg.LayoutPath)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingURL(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	os.Unsetenv("HA_WS_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HA_WS_URL")
}

func TestLoad_MissingToken(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	os.Unsetenv("HA_ACCESS_TOKEN")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HA_ACCESS_TOKEN")
}

func TestLoad_RejectsHTTPScheme(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	t.Setenv("HA_WS_URL", "http://ha.local:8123/api/websocket")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")
}

func TestLoad_PingIntervalFloor(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	t.Setenv("HA_PING_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
}

func TestLoad_PingIntervalAboveFloor(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	t.Setenv("HA_PING_INTERVAL", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.PingInterval)
}

func TestLoad_ThresholdOrdering(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	t.Setenv("RECOVERY_ERROR_STREAK_LINK", "5")
	t.Setenv("RECOVERY_ERROR_STREAK_TRANSPORT", "2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECOVERY_ERROR_STREAK_TRANSPORT")
}

func TestLoad_ZeroThreshold(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	t.Setenv("RECOVERY_SHORT_SESSIONS_LINK", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Production(t *testing.T) {
	clearConfigEnv(t)
	setHubEnv(t, t.TempDir())
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

// --- ParseRESTCommands ---

func TestParseRESTCommands_Default(t *testing.T) {
	cfg := &Config{RESTCommands: "lock.unlock, lock.open,,lock.unlock"}

	cmds, err := cfg.ParseRESTCommands()
	require.NoError(t, err)
	assert.Equal(t, []string{"lock.unlock", "lock.open"}, cmds)
}

func TestParseRESTCommands_Empty(t *testing.T) {
	cfg := &Config{}

	cmds, err := cfg.ParseRESTCommands()
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestParseRESTCommands_Invalid(t *testing.T) {
	for _, in := range []string{"lock", ".unlock", "lock."} {
		cfg := &Config{RESTCommands: in}
		_, err := cfg.ParseRESTCommands()
		assert.Error(t, err, in)
	}
}

func TestDefaultStatePath(t *testing.T) {
	p, err := DefaultStatePath()
	require.NoError(t, err)
	assert.Equal(t, "state.db", filepath.Base(p))
	assert.Equal(t, ".ha-sync", filepath.Base(filepath.Dir(p)))
}

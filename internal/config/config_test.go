package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.APIAddr)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, time.Hour, cfg.LobbyTTLDuration())
	assert.Equal(t, "ldn.lobby", cfg.NATSSubjectPrefix)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "disconnect", cfg.HeartbeatTimeoutAction)
	assert.Equal(t, 10, cfg.MaxIDAttempts)
	assert.Contains(t, cfg.AllowedOrigin, "chrome-extension://*")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_addr: ":9000"
redis_addr: "redis:6379"
heartbeat_timeout: 90s
heartbeat_timeout_action: refresh
cors_allowed_origins:
  - https://example.com
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_ADDR", ":9100")
	t.Setenv("HEARTBEAT_INTERVAL", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.APIAddr, "environment wins over the file")
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "refresh", cfg.HeartbeatTimeoutAction)
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigin)
	assert.Equal(t, 4096, cfg.WSMaxMessageBytes, "keys absent from the file keep their defaults")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	t.Run("timeout action", func(t *testing.T) {
		t.Setenv("HEARTBEAT_TIMEOUT_ACTION", "explode")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad numbers fall back", func(t *testing.T) {
		t.Setenv("MAX_ID_ATTEMPTS", "many")
		t.Setenv("WS_WRITE_TIMEOUT", "soon")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.MaxIDAttempts)
		assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
	})
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("ORIGINS", " a, ,b ,")
	assert.Equal(t, []string{"a", "b"}, envCSV("ORIGINS", nil))

	t.Setenv("ORIGINS", " , ")
	assert.Equal(t, []string{"x"}, envCSV("ORIGINS", []string{"x"}))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadFromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, "javascript", cfg.Room.DefaultLanguage)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, int64(1024*1024), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 20, cfg.Autosave.KeepAutoVersions)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
http:
  port: 9090
database:
  path: /tmp/rooms.db
logging:
  level: debug
  format: console
room:
  default_language: python
  max_participants: 8
autosave:
  interval: 30s
`), 0o644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/tmp/rooms.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "python", cfg.Room.DefaultLanguage)
	assert.Equal(t, 8, cfg.Room.MaxParticipants)
	assert.Equal(t, 30*time.Second, cfg.Autosave.Interval)
	// untouched sections keep defaults
	assert.Equal(t, 512, cfg.WebSocket.SendBuffer)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CODESHARE_HTTP_PORT", "7070")
	t.Setenv("CODESHARE_LOGGING_FORMAT", "console")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.HTTP.Port = 0
	cfg.Logging.Level = "trace"
	cfg.Room.MaxParticipants = -1
	cfg.Database.Path = "  "

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.port")
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "room.max_participants")
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidateRejectsBadWebSocket(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.WebSocket.SendBuffer = 0
	cfg.WebSocket.MessagesPerSecond = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket.send_buffer")
	assert.Contains(t, err.Error(), "websocket.messages_per_second")
}

func TestPropertyPortRange(t *testing.T) {
	base := defaultConfig(t)
	rapid.Check(t, func(rt *rapid.T) {
		port := rapid.IntRange(-1000, 70000).Draw(rt, "port")
		cfg := base
		cfg.HTTP.Port = port
		err := cfg.Validate()
		if port >= 1 && port <= 65535 {
			if err != nil {
				rt.Fatalf("port %d should be valid: %v", port, err)
			}
		} else if err == nil {
			rt.Fatalf("port %d should be rejected", port)
		}
	})
}

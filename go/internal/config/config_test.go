package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.Base.Std())
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Cap.Std())
	assert.Equal(t, "/api/signup/auth/refresh/", cfg.Auth.RefreshPath)
	assert.Equal(t, TransportWebSocket, cfg.Push.Transport)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "partysync.yaml", `
api:
  base_url: https://partyboom.example
reconnect:
  base: 250ms
  cap: 10s
  fallback_after: 0
poll:
  hold: 20s
  client_timeout: 25s
push:
  transport: nats
  nats_url: nats://broker:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://partyboom.example", cfg.API.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.Base.Std())
	assert.Equal(t, 10*time.Second, cfg.Reconnect.Cap.Std())
	assert.Equal(t, 0, cfg.Reconnect.FallbackAfter)
	assert.Equal(t, TransportNATS, cfg.Push.Transport)
	assert.Equal(t, "nats://broker:4222", cfg.Push.NATSURL)
	// untouched sections keep defaults
	assert.Equal(t, "partyboom.sync", cfg.Push.SubjectPrefix)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "partysync.toml", `
[api]
base_url = "https://toml.example"

[reconnect]
base = "1s"
cap = "5s"
fallback_after = -1

[log]
level = "debug"
pretty = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://toml.example", cfg.API.BaseURL)
	assert.Equal(t, time.Second, cfg.Reconnect.Base.Std())
	assert.Equal(t, 5*time.Second, cfg.Reconnect.Cap.Std())
	assert.Equal(t, -1, cfg.Reconnect.FallbackAfter)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "partysync.yml", "api:\n  base_url: https://file.example\n")
	t.Setenv("PARTYBOOM_API_URL", "https://env.example")
	t.Setenv("PARTYBOOM_FALLBACK_AFTER", "7")
	t.Setenv("PARTYBOOM_REFRESH_TOKEN", "r-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", cfg.API.BaseURL)
	assert.Equal(t, 7, cfg.Reconnect.FallbackAfter)
	assert.Equal(t, "r-1", cfg.Auth.RefreshToken)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "bad duration", file: "c.yaml", body: "reconnect:\n  base: soon\n"},
		{name: "unknown transport", file: "c.yaml", body: "push:\n  transport: carrier-pigeon\n"},
		{name: "cap below base", file: "c.yaml", body: "reconnect:\n  base: 10s\n  cap: 1s\n"},
		{name: "client timeout below hold", file: "c.yaml", body: "poll:\n  hold: 30s\n  client_timeout: 5s\n"},
		{name: "unsupported extension", file: "c.json", body: "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

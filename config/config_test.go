package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 72*time.Hour, cfg.Reminders.After)
	assert.Equal(t, 10*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, 10, cfg.Notify.RatePerMinute)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file setting the port and secret
	// AND: An INCAP_ env override for the port
	// WHEN: Loading
	// THEN: The env value wins and file values survive

	path := writeConfig(t, `
server:
  port: 9000
auth:
  jwt_secret: from-file
notify:
  webhook_url: https://n8n.example/webhook/incapacidades
reminders:
  after: 48h
`)
	t.Setenv("INCAP_SERVER_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "https://n8n.example/webhook/incapacidades", cfg.Notify.WebhookURL)
	assert.Equal(t, 48*time.Hour, cfg.Reminders.After)
	assert.Equal(t, 2, cfg.Notify.Workers)
}

func TestLoad_Validation(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	assert.ErrorContains(t, err, "jwt_secret")

	_, err = Load(writeConfig(t, "auth:\n  skip: true\nserver:\n  port: 70000\n"))
	assert.ErrorContains(t, err, "server.port")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

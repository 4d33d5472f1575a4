package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  provider: anthropic
  model: claude-sonnet-4-20250514
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Backend.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Backend.Model)
	assert.Equal(t, 100, cfg.Sessions.MaxSessions)
	assert.Equal(t, 10, cfg.Engine.MaxToolCycles)
	assert.Equal(t, 700*time.Millisecond, cfg.Engine.FlushInterval)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_SLACK_TOKEN", "xoxb-secret")
	path := writeConfig(t, `
slack:
  bot_token: ${TEST_SLACK_TOKEN}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-secret", cfg.Slack.BotToken)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())

	cfg.Backend.Provider = "cohere"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
	cfg.Storage.Path = "/tmp/sessions.db"
	assert.NoError(t, cfg.Validate())
}

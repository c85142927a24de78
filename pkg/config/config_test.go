package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Setenv("TG_TOKEN", "123:abc")
	path := writeConfig(t, "config.json", `{
		"app": {"name": "hq", "workspace": "/tmp/ws"},
		"gateways": {"telegram": {"token": "${TG_TOKEN}", "enabled": true}},
		"providers": {"deepseek": {"api_key": "ds", "model": "deepseek-chat", "base_url": "https://api.deepseek.com/v1", "enabled": true}},
		"engine": {"step_timeout": "90s"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "hq", cfg.App.Name)
	assert.Equal(t, "/tmp/ws", cfg.App.Workspace)
	assert.Equal(t, "./prompts", cfg.App.PromptsDir)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "agentichq.db", cfg.Store.DSN)
	assert.Equal(t, 64, cfg.Engine.SubscriberBuffer)
	assert.Equal(t, 90*time.Second, cfg.Engine.StepTimeoutDuration())

	tg, ok := cfg.GetTelegramConfig()
	require.True(t, ok)
	assert.Equal(t, "123:abc", tg.Token)

	_, ok = cfg.GetDiscordConfig()
	assert.False(t, ok)

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "deepseek", name)
	assert.Equal(t, "deepseek-chat", p.Model)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  addr: ":9090"
store:
  dsn: postgres://u:p@localhost/hq
nats:
  enabled: true
  url: nats://localhost:4222
tools:
  browser_enabled: true
  denied_tools: ["Gmail.sendEmail"]
  denied_arguments: ["rm\\s+-rf"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://u:p@localhost/hq", cfg.Store.DSN)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "agentichq.progress", cfg.NATS.SubjectPrefix)
	assert.True(t, cfg.Tools.BrowserEnabled)
	assert.True(t, cfg.Tools.SearchEnabled)
	assert.Equal(t, []string{"Gmail.sendEmail"}, cfg.Tools.DeniedTools)
	assert.Equal(t, []string{`rm\s+-rf`}, cfg.Tools.DeniedArguments)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[secrets]
master_secret_env = "HQ_SECRET"

[providers.openai]
api_key = "sk-test"
model = "gpt-4o-mini"
enabled = true

[providers.ollama]
model = "llama3"
enabled = true
`)
	t.Setenv("HQ_SECRET", "s3cret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Secrets.MasterSecret())

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "openai", name)
	assert.Equal(t, "sk-test", p.APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "config.ini", "a=b"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = LoadConfig(writeConfig(t, "config.json", "{"))
	assert.ErrorContains(t, err, "failed to decode config file")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.SubscriberBuffer = -1
	cfg.Engine.StepTimeout = "soon"
	cfg.NATS.Enabled = true
	cfg.Gateways["discord"] = GatewayConfig{Enabled: true}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "subscriber_buffer")
	assert.ErrorContains(t, err, "step_timeout")
	assert.ErrorContains(t, err, "nats.url")
	assert.ErrorContains(t, err, "gateways.discord")

	assert.NoError(t, Default().Validate())
}

func TestNoProviderEnabled(t *testing.T) {
	cfg := Default()
	cfg.Providers["openai"] = ProviderConfig{Model: "gpt-4o"}

	name, _ := cfg.GetDefaultProvider()
	assert.Empty(t, name)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
daemon_port: 9090
database_path: /tmp/gobby-test.db
llm_providers:
  - name: anthropic
    api_key: ${TEST_GOBBY_API_KEY:-sk-default}
    default: true
hook_extensions:
  webhooks:
    enabled: true
    endpoints:
      - name: audit
        url: ${TEST_GOBBY_WEBHOOK_URL}
        can_block: false
        enabled: true
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeTemp(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.DaemonPort)
	require.Equal(t, 30, cfg.DaemonHealthCheckInterval)
	require.Equal(t, 0.05, cfg.Memory.DecayRatePerMonth)
}

func TestLoadSubstitutesEnvVarWithDefault(t *testing.T) {
	os.Unsetenv("TEST_GOBBY_API_KEY")
	path := writeTemp(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-default", cfg.LLMProviders[0].APIKey)
}

func TestLoadSubstitutesEnvVarWithoutDefaultFromEnvironment(t *testing.T) {
	t.Setenv("TEST_GOBBY_WEBHOOK_URL", "https://hooks.example.com/audit")
	path := writeTemp(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://hooks.example.com/audit", cfg.HookExtensions.Webhooks.Endpoints[0].URL)
}

func TestLoadLeavesUnresolvedVarWithNoDefaultLiteral(t *testing.T) {
	os.Unsetenv("TEST_GOBBY_WEBHOOK_URL")
	path := writeTemp(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "${TEST_GOBBY_WEBHOOK_URL}", cfg.HookExtensions.Webhooks.Endpoints[0].URL)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeTemp(t, "daemon_port: 999999\ndatabase_path: /tmp/x.db\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresDatabasePath(t *testing.T) {
	path := writeTemp(t, "daemon_port: 9090\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	path := writeTemp(t, minimalYAML)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	updated := minimalYAML + "\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

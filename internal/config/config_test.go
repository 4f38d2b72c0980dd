package config

import (
	"encoding/json"
	"fmt"
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
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Provider.Name)
	assert.Equal(t, 60*time.Second, cfg.Provider.Timeout.Duration())
	assert.Equal(t, 3, cfg.Provider.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.NotEmpty(t, cfg.Storage.DataDir)
	assert.Len(t, cfg.Templates.Dirs, 2)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /tmp/distill-test
provider:
  name: anthropic
  model: claude-sonnet-4-5-20250514
  api_key: sk-test-123
  timeout: 90s
  max_retries: 5
logging:
  level: debug
  format: json
telemetry:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/distill-test", cfg.Storage.DataDir)
	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.Equal(t, "claude-sonnet-4-5-20250514", cfg.Provider.Model)
	assert.Equal(t, "sk-test-123", cfg.Provider.APIKey.Value())
	assert.Equal(t, 90*time.Second, cfg.Provider.Timeout.Duration())
	assert.Equal(t, 5, cfg.Provider.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: anthropic
logging:
  level: info
`)
	t.Setenv("DISTILL_PROVIDER_NAME", "ollama")
	t.Setenv("DISTILL_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.Provider.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvSplitsSectionFromField(t *testing.T) {
	t.Setenv("DISTILL_PROVIDER_MAX_RETRIES", "7")
	t.Setenv("DISTILL_STORAGE_DATA_DIR", "/tmp/distill-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Provider.MaxRetries)
	assert.Equal(t, "/tmp/distill-env", cfg.Storage.DataDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad logging level",
			content: "logging:\n  level: loud\n",
			wantErr: "invalid logging level",
		},
		{
			name:    "bad logging format",
			content: "logging:\n  format: xml\n",
			wantErr: "invalid logging format",
		},
		{
			name:    "unknown provider",
			content: "provider:\n  name: skynet\n",
			wantErr: "invalid provider name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "provider: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestDurationRejectsNegative(t *testing.T) {
	var d Duration
	err := d.UnmarshalText([]byte("-5s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be negative")
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-super-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestExpandHomeInDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(writeConfig(t, "storage:\n  data_dir: ~/distill-data\n"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "distill-data"), cfg.Storage.DataDir)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := &Config{Storage: StorageConfig{DataDir: dir}}

	require.NoError(t, cfg.EnsureDataDir())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, filepath.Join(dir, "telemetry.db"), cfg.TelemetryPath())
}

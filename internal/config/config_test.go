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
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, NewValidator().Validate(cfg))

	assert.Equal(t, 30*time.Minute, cfg.Incident.Window)
	assert.Equal(t, 3, cfg.Incident.RetryLimit)
	assert.Equal(t, 10*time.Minute, cfg.Incident.NotifyCooldown)
	assert.Equal(t, 2*time.Second, cfg.Plugins.PollInterval)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestDefaultHomeDirFromEnv(t *testing.T) {
	t.Setenv("VIGIL_HOME", "/srv/vigil")
	cfg := DefaultConfig()
	assert.Equal(t, "/srv/vigil", cfg.Core.HomeDir)
	assert.Equal(t, filepath.Join("/srv/vigil", "events"), cfg.Events.Dir)
}

func TestLoader_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
incident:
  retry_limit: 5
  window: 1h
logging:
  level: debug
`)

	cfg, err := NewConfigLoader(NewValidator()).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Incident.RetryLimit)
	assert.Equal(t, time.Hour, cfg.Incident.Window)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Incident.NotifyCooldown)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NotEmpty(t, cfg.Events.Dir)
}

func TestLoader_EnvInterpolation(t *testing.T) {
	t.Setenv("VIGIL_TEST_EVENTS", "/var/lib/vigil/events")
	path := writeConfig(t, `
events:
  dir: ${VIGIL_TEST_EVENTS}
plugins:
  analyzer:
    command: ${VIGIL_TEST_UNSET_ANALYZER}
`)

	cfg, err := NewConfigLoader(NewValidator()).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vigil/events", cfg.Events.Dir)
	// Unset variables leave the placeholder untouched.
	assert.Equal(t, "${VIGIL_TEST_UNSET_ANALYZER}", cfg.Plugins.Analyzer.Command)
}

func TestLoader_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "bad logging level",
			content: "logging:\n  level: verbose\n",
			errPart: "logging.level",
		},
		{
			name:    "cooldown exceeds window",
			content: "incident:\n  window: 5m\n  notify_cooldown: 10m\n",
			errPart: "notify_cooldown",
		},
		{
			name:    "analyzer args without command",
			content: "plugins:\n  analyzer:\n    command: \"\"\n    args: [\"--strict\"]\n",
			errPart: "analyzer",
		},
	}

	loader := NewConfigLoader(NewValidator())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoader_MalformedYAML(t *testing.T) {
	_, err := NewConfigLoader(NewValidator()).Load(writeConfig(t, "events: [unclosed\n"))
	assert.Error(t, err)
}

func TestLoadWithDefaults_MissingFile(t *testing.T) {
	cfg, err := NewConfigLoader(NewValidator()).LoadWithDefaults(
		filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Incident.RetryLimit, cfg.Incident.RetryLimit)
}

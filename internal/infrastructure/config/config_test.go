package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/guardian-core/internal/domain/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.5, cfg.Lockdown.ElevatedThreshold)
	assert.Equal(t, 0.8, cfg.Lockdown.LockedThreshold)
	assert.Equal(t, 3, cfg.Lockdown.MaxFailedAttempts)
	assert.Equal(t, 50, cfg.Analyzer.WindowSize)
}

func TestLoad(t *testing.T) {
	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
log_level: debug
lockdown:
  elevated_threshold: 0.4
  locked_threshold: 0.9
  cooldown_window: 30s
analyzer:
  window_size: 20
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 0.4, cfg.Lockdown.ElevatedThreshold)
		assert.Equal(t, 0.9, cfg.Lockdown.LockedThreshold)
		assert.Equal(t, 30*time.Second, cfg.Lockdown.CooldownWindow)
		assert.Equal(t, 20, cfg.Analyzer.WindowSize)
		// untouched values keep their defaults
		assert.Equal(t, 0.6, cfg.Lockdown.ConfidenceFloor)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, "lockdown:\n  max_failed_attempts: 4\n")
		t.Setenv("GUARDIAN_LOCKDOWN_MAX_FAILED_ATTEMPTS", "6")
		t.Setenv("GUARDIAN_LOG_LEVEL", "warn")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 6, cfg.Lockdown.MaxFailedAttempts)
		assert.Equal(t, "warn", cfg.LogLevel)
	})

	t.Run("protected paths", func(t *testing.T) {
		path := writeConfig(t, "monitor:\n  protected_paths:\n    - /srv/vault\n    - /etc/guardian\n  watch_debounce: 2s\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"/srv/vault", "/etc/guardian"}, cfg.Monitor.ProtectedPaths)
		assert.Equal(t, 2*time.Second, cfg.Monitor.WatchDebounce)
		assert.Equal(t, 30, cfg.Monitor.WatchReportsPerMinute)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
	})

	t.Run("locked below elevated is rejected", func(t *testing.T) {
		path := writeConfig(t, "lockdown:\n  elevated_threshold: 0.7\n  locked_threshold: 0.6\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
		assert.Contains(t, err.Error(), "LockedThreshold")
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"threshold above one", func(c *Config) { c.Lockdown.LockedThreshold = 1.5 }},
		{"zero cooldown", func(c *Config) { c.Lockdown.CooldownWindow = 0 }},
		{"zero failed attempts", func(c *Config) { c.Lockdown.MaxFailedAttempts = 0 }},
		{"zero window size", func(c *Config) { c.Analyzer.WindowSize = 0 }},
		{"confidence floor above one", func(c *Config) { c.Lockdown.ConfidenceFloor = 1.2 }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "s3" }},
		{"file driver without path", func(c *Config) { c.Storage.Driver = "file" }},
		{"postgres driver without url", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"malformed baseline transition", func(c *Config) { c.Analyzer.BaselineTransitions = []string{"a-b"} }},
		{"unknown limiter", func(c *Config) { c.Auth.Limiter = "memcached" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "lockdown.cooldown_window", envKey("GUARDIAN_LOCKDOWN_COOLDOWN_WINDOW"))
	assert.Equal(t, "log_level", envKey("GUARDIAN_LOG_LEVEL"))
	assert.Equal(t, "storage.database_url", envKey("GUARDIAN_STORAGE_DATABASE_URL"))
}

// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, overrides and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
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

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
environment: test

store:
  driver: sqlite
  path: "./relay.db"

agents:
  names: [alice, bob, carol]
  readiness_timeout: "10s"
  grace_period: "50ms"
  history: true
  dedupe_ttl: "1m"

shutdown:
  timeout: "3s"
  store_drain: "500ms"

server:
  http_addr: "127.0.0.1:9090"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvTest, cfg.Environment)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "./relay.db", cfg.Store.Path)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Agents.Names)
	assert.Equal(t, 10*time.Second, cfg.Agents.ReadinessTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Agents.GracePeriod)
	assert.Equal(t, time.Minute, cfg.Agents.DedupeTTL)
	assert.True(t, cfg.Agents.History)
	assert.Equal(t, 3*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Shutdown.StoreDrain)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.UseLocalStore())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Agents.Names)
	assert.Equal(t, 30*time.Second, cfg.Agents.ReadinessTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Agents.GracePeriod)
	assert.Equal(t, 4*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Shutdown.StoreDrain)
	assert.Equal(t, 25, cfg.Local.HealthAttempts)
	assert.Equal(t, 30*time.Second, cfg.Local.HealthTimeout)
	assert.Equal(t, "", cfg.Server.HTTPAddr)
}

func TestDefault_MatchesEmptyLoad(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_PASSWORD", "hunter2")
	path := writeConfig(t, `
environment: production
store:
  driver: postgres
  url: "postgres://db.internal:5432/relay"
  password: "${TEST_RELAY_PASSWORD}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Store.Password)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COVEN_RELAY_ENV", "test")
	t.Setenv("COVEN_RELAY_AGENTS", " dora , eve,, ")
	path := writeConfig(t, `
environment: production
agents:
  names: [alice]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnvTest, cfg.Environment)
	assert.Equal(t, []string{"dora", "eve"}, cfg.Agents.Names)
}

func TestLoad_LocalStoreDefaults(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "store:\n  driver: redis\n"))
		require.NoError(t, err)

		assert.True(t, cfg.UseLocalStore())
		assert.Equal(t, "redis:7-alpine", cfg.LocalImage())
		assert.Equal(t, 6379, cfg.Local.Port)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Store.URL)
	})

	t.Run("postgres", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "store:\n  driver: postgres\n  password: pw\n"))
		require.NoError(t, err)

		assert.True(t, cfg.UseLocalStore())
		assert.Equal(t, "postgres:16-alpine", cfg.LocalImage())
		assert.Equal(t, "pw", cfg.Local.Env["POSTGRES_PASSWORD"])
		assert.Equal(t, "postgres://postgres:pw@localhost:5432/postgres?sslmode=disable", cfg.Store.URL)
	})

	t.Run("production keeps url", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "environment: production\nstore:\n  driver: redis\n  url: redis://cache:6379/1\n"))
		require.NoError(t, err)

		assert.False(t, cfg.UseLocalStore())
		assert.Equal(t, "redis://cache:6379/1", cfg.Store.URL)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "store:\n  driver: redis\n  url: redis://elsewhere:6379\nlocal:\n  disabled: true\n"))
		require.NoError(t, err)
		assert.False(t, cfg.UseLocalStore())
	})
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "agents: [unclosed\n")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
agents:
  readiness_timeout: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.readiness_timeout")
}

func TestLoad_NegativeDuration(t *testing.T) {
	path := writeConfig(t, "shutdown:\n  timeout: \"-1s\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown.timeout")
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name:          "unknown environment",
			configContent: "environment: staging\n",
			wantErrSubstr: "environment",
		},
		{
			name:          "unknown driver",
			configContent: "store:\n  driver: surreal\n",
			wantErrSubstr: "store.driver",
		},
		{
			name:          "production redis without url",
			configContent: "environment: production\nstore:\n  driver: redis\n",
			wantErrSubstr: "store.url",
		},
		{
			name:          "duplicate agent",
			configContent: "agents:\n  names: [alice, alice]\n",
			wantErrSubstr: "more than once",
		},
		{
			name:          "empty agent",
			configContent: "agents:\n  names: [alice, \" \"]\n",
			wantErrSubstr: "empty names",
		},
		{
			name:          "bad log format",
			configContent: "logging:\n  format: xml\n",
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.configContent))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %v, want error containing %q", err, tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")
	t.Setenv("ANOTHER_VAR", "another_value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single var", "${TEST_VAR}", "test_value"},
		{"multiple vars", "${TEST_VAR} and ${ANOTHER_VAR}", "test_value and another_value"},
		{"var in string", "prefix_${TEST_VAR}_suffix", "prefix_test_value_suffix"},
		{"unset var", "${UNSET_VAR_XYZ}", ""},
		{"no vars", "plain string", "plain string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitNames("a,b"))
	assert.Equal(t, []string{"a"}, SplitNames(" a , ,"))
	assert.Nil(t, SplitNames(""))
}

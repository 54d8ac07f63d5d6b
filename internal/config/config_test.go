package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, k := range []string{"PORT", "DATABASE_URL", "SALIENCE_WEIGHT", "DEFAULT_MODEL", "WORKERS", "LOG_LEVEL", "PROFILE"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Store.CacheTTL)
	assert.True(t, cfg.Simulation.SalienceWeight.Equal(decimal.RequireFromString("0.4")))
	assert.True(t, cfg.Simulation.FixedWeight.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "equal", cfg.Simulation.DefaultModel)
	assert.Equal(t, 10, cfg.Simulation.DefaultIterations)
	assert.Equal(t, 256, cfg.Simulation.MaxRepetitions)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "off", cfg.Profile)

	def := cfg.Simulation.Defaults()
	assert.Equal(t, "equal", def.Model)
	assert.Equal(t, 1, def.Repetitions)
}

func TestLoad_Environment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("SQLITE_PATH", "/tmp/runs.db")
	t.Setenv("SALIENCE_WEIGHT", "0.7")
	t.Setenv("FIXED_WEIGHT", "0.3")
	t.Setenv("DEFAULT_MODEL", "random")
	t.Setenv("WORKERS", "16")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PROFILE", "CPU")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "/tmp/runs.db", cfg.Store.SQLitePath)
	assert.True(t, cfg.Simulation.SalienceWeight.Equal(decimal.RequireFromString("0.7")))
	assert.Equal(t, "random", cfg.Simulation.DefaultModel)
	assert.Equal(t, 16, cfg.Simulation.Workers)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "cpu", cfg.Profile)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown model":        {"DEFAULT_MODEL": "auction"},
		"weights above one":    {"SALIENCE_WEIGHT": "0.9", "FIXED_WEIGHT": "0.2"},
		"zero workers":         {"WORKERS": "0"},
		"non numeric port":     {"PORT": "http"},
		"unknown profile":      {"PROFILE": "trace"},
		"max below default":    {"DEFAULT_REPETITIONS": "10", "MAX_REPETITIONS": "5"},
		"iterations too large": {"DEFAULT_ITERATIONS": "5000"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			chdir(t, t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+): switch to dir for the test's
// duration and restore the previous working directory on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

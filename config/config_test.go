package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: only the database path is set
	t.Setenv("DB_PATH", ":memory:")

	// WHEN: loading
	cfg, err := Load()

	// THEN: defaults apply
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 50, cfg.ReconcileBatchSize)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.True(t, cfg.SweepEnabled)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("RECONCILE_BATCH_SIZE", "7")
	t.Setenv("SWEEP_INTERVAL", "5m")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ReconcileBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero batch", "RECONCILE_BATCH_SIZE", "0"},
		{"zero concurrency", "SWEEP_CONCURRENCY", "0"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"unparseable duration", "SWEEP_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

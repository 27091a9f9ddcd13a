package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SERVER_URL", "https://escrutinio.example/")
	cfg := Load()

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, cfg.StorePath, cfg.StoreTarget())
	assert.Equal(t, "https://escrutinio.example/operador/guardar-votos/", cfg.SubmitURL)
	assert.Equal(t, "https://escrutinio.example/", cfg.HealthURL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.OfflineFirst)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://x")
	t.Setenv("PERIODIC_INTERVAL", "30s")
	t.Setenv("OFFLINE_FIRST", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REPLAY_RATE_CAPACITY", "not-a-number")

	cfg := Load()
	assert.Equal(t, "postgres://x", cfg.StoreTarget())
	assert.Equal(t, 30*time.Second, cfg.PeriodicInterval)
	assert.True(t, cfg.OfflineFirst)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 30, cfg.ReplayRateCap, "malformed values fall back to defaults")
}

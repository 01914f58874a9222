package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 4, cfg.Grading.Workers)
	require.Equal(t, 256, cfg.Grading.QueueSize)
	require.Equal(t, 2*time.Second, cfg.Grading.BackoffBase)
	require.Equal(t, time.Minute, cfg.Grading.BackoffMax)
	require.Equal(t, 300*time.Second, cfg.Grading.DefaultTimeout)
	require.Equal(t, 3, cfg.Grading.DefaultMaxRetries)
	require.Equal(t, DispatcherMemory, cfg.Grading.Dispatcher)
	require.Equal(t, "gema:grading:events", cfg.Grading.EventsChannel)
	require.Equal(t, "positive_score", cfg.Grading.CorrectnessRule)
	require.Error(t, cfg.RequireServer())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GEMA_APP_PORT", ":9090")
	t.Setenv("GEMA_GRADING_WORKERS", "8")
	t.Setenv("GEMA_GRADING_DISPATCHER", "NATS")
	t.Setenv("GEMA_GRADING_BACKOFF_BASE", "500ms")
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_DATABASE_URL", "postgres://localhost/gema")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, 8, cfg.Grading.Workers)
	require.Equal(t, DispatcherNATS, cfg.Grading.Dispatcher)
	require.Equal(t, 500*time.Millisecond, cfg.Grading.BackoffBase)
	require.NoError(t, cfg.RequireServer())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("GEMA_GRADING_DISPATCHER", "kafka")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("GEMA_GRADING_DISPATCHER", "memory")
	t.Setenv("GEMA_GRADING_BACKOFF_MAX", "forever")
	_, err = Load()
	require.Error(t, err)
}

package bootstrap

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/modelrelay/common/config"
	"github.com/lyzr/modelrelay/common/kv"
	"github.com/lyzr/modelrelay/common/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("bootstrap-test")
	require.NoError(t, err)
	cfg.Store.Type = "memory"
	cfg.Events.RedisChannel = ""
	cfg.History.Enabled = false
	return cfg
}

func TestSetup_MemoryDefaults(t *testing.T) {
	ctx := context.Background()
	c, err := Setup(ctx, "bootstrap-test",
		WithCustomConfig(testConfig(t)),
		WithCustomLogger(logger.NewWithWriter(io.Discard, "error", "json")),
		WithoutTelemetry(),
	)
	require.NoError(t, err)

	_, ok := c.KV.(*kv.MemoryStore)
	assert.True(t, ok)
	assert.Nil(t, c.Redis)
	assert.Nil(t, c.DB)
	assert.Nil(t, c.Telemetry)
	assert.NoError(t, c.Health(ctx))

	require.NoError(t, c.Shutdown(ctx))
	assert.Error(t, c.KV.Set(ctx, "k", []byte("v")))
}

func TestSetup_RedisStoreRequiresRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Type = "redis"

	_, err := Setup(context.Background(), "bootstrap-test",
		WithCustomConfig(cfg),
		WithCustomLogger(logger.NewWithWriter(io.Discard, "error", "json")),
		WithoutRedis(),
	)
	assert.Error(t, err)
}

func TestSetup_TelemetryCreated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.EnableMetrics = true

	c, err := Setup(context.Background(), "bootstrap-test",
		WithCustomConfig(cfg),
		WithCustomLogger(logger.NewWithWriter(io.Discard, "error", "json")),
	)
	require.NoError(t, err)
	assert.NotNil(t, c.Telemetry)
	require.NoError(t, c.Shutdown(context.Background()))
}

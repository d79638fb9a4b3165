package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("CARTSYNC_TOKENS", "tok:alice")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 50.0, cfg.WeightToleranceGrams)
	assert.Equal(t, 30*time.Second, cfg.PendingScanTimeout)
	assert.Equal(t, 50, cfg.MaxQuantity)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "tok:alice", cfg.Tokens)
	assert.Equal(t, uint64(100), cfg.MongoMaxPoolSize)
	assert.Equal(t, 5*time.Second, cfg.MongoServerSelectionTimeout)
}

func TestLoadServer_Overrides(t *testing.T) {
	t.Setenv("CARTSYNC_TOKENS", "tok:alice")
	t.Setenv("CARTSYNC_WEIGHT_TOLERANCE_GRAMS", "25")
	t.Setenv("CARTSYNC_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CARTSYNC_IDLE_TIMEOUT", "5m")
	t.Setenv("CARTSYNC_MONGO_MAX_POOL_SIZE", "20")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.WeightToleranceGrams)
	assert.Equal(t, "k1:9092,k2:9092", cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, uint64(20), cfg.MongoMaxPoolSize)
}

func TestLoadServer_Invalid(t *testing.T) {
	// register for restore, then remove
	t.Setenv("CARTSYNC_TOKENS", "")
	require.NoError(t, os.Unsetenv("CARTSYNC_TOKENS"))
	_, err := LoadServer()
	assert.Error(t, err)

	t.Setenv("CARTSYNC_TOKENS", "tok:alice")
	t.Setenv("CARTSYNC_WEIGHT_TOLERANCE_GRAMS", "-1")
	_, err = LoadServer()
	assert.Error(t, err)

	t.Setenv("CARTSYNC_WEIGHT_TOLERANCE_GRAMS", "heavy")
	_, err = LoadServer()
	assert.Error(t, err)
}

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 5*time.Minute, cfg.CacheExpiration)
	assert.Equal(t, 2*time.Second, cfg.ScaleDelay)
	assert.Equal(t, 30.0, cfg.ScaleVariance)
	assert.Empty(t, cfg.ScaleDevice)
}

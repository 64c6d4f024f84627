package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 15*time.Second, cfg.QueueMaxWait)
	assert.Equal(t, int64(1000), cfg.InitialFreeCredits)
	assert.True(t, cfg.ChargeCacheHits)
	assert.False(t, cfg.CacheBypass)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MAX_WORKERS", "3")
	t.Setenv("QUEUE_MAX_WAIT_MS", "2500")
	t.Setenv("CHARGE_CACHE_HITS", "false")
	t.Setenv("INITIAL_FREE_CREDITS", "250")

	cfg := Load()
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, 2500*time.Millisecond, cfg.QueueMaxWait)
	assert.False(t, cfg.ChargeCacheHits)
	assert.Equal(t, int64(250), cfg.InitialFreeCredits)
}

func TestLoadKeepsExplicitZeroWorkers(t *testing.T) {
	// "0" is a real value (a pool that admits nothing), distinct from the
	// variable being unset.
	t.Setenv("MAX_WORKERS", "0")

	cfg := Load()
	assert.Equal(t, 0, cfg.MaxWorkers)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_WORKERS", "lots")
	t.Setenv("CACHE_BYPASS", "sometimes")

	cfg := Load()
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.False(t, cfg.CacheBypass)
}

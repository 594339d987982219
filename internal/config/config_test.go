package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 500, cfg.Database.DonationBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Database.DonationFlushInterval)
	assert.Equal(t, 20*time.Second, cfg.Indexer.PollInterval)
	assert.Equal(t, uint64(2000), cfg.Prices.BucketSize)
	assert.Equal(t, 100, cfg.Prices.CacheSize)
	assert.Equal(t, 10*time.Minute, cfg.Subscriptions.PruneInterval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
indexer:
  poll_interval: 5s
  chains:
    - id: 10
      rpc_url: http://localhost:8545
      from_block: 100
subscriptions:
  expirations:
    RoundImplementation: 1440h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Indexer.PollInterval)
	require.Len(t, cfg.Indexer.Chains, 1)
	assert.Equal(t, int64(10), cfg.Indexer.Chains[0].ID)
	assert.Equal(t, uint64(100), cfg.Indexer.Chains[0].FromBlock)

	window, ok := cfg.Subscriptions.Expiration("roundimplementation")
	require.True(t, ok)
	assert.Equal(t, 60*24*time.Hour, window)

	window, ok = cfg.Subscriptions.Expiration("RoundImplementation")
	assert.True(t, ok)
	assert.Equal(t, 60*24*time.Hour, window)

	_, ok = cfg.Subscriptions.Expiration("Allo")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"missing rpc", "indexer:\n  chains:\n    - id: 1\n"},
		{"duplicate chain", "indexer:\n  chains:\n    - id: 1\n      rpc_url: a\n    - id: 1\n      rpc_url: b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

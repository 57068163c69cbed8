package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "data/quill.db", cfg.DataPath)
	assert.Equal(t, "data/wal", cfg.WalDir)
	assert.Equal(t, uint32(4096), cfg.PageSize)
	assert.Equal(t, uint64(1024), cfg.PoolCapacity)
	assert.Equal(t, EnvDev, cfg.Environment)
}

func TestConfigReadsPrefixedEnvironment(t *testing.T) {
	t.Setenv("QUILL_DATA_PATH", "/srv/quill/main.db")
	t.Setenv("QUILL_POOL_CAPACITY", "64")
	t.Setenv("QUILL_CHECKPOINT_INTERVAL", "30s")
	t.Setenv("QUILL_ENVIRONMENT", "prod")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/quill/main.db", cfg.DataPath)
	assert.Equal(t, uint64(64), cfg.PoolCapacity)
	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, EnvProd, cfg.Environment)
}

func TestConfigRejectsNonsense(t *testing.T) {
	t.Run("environment", func(t *testing.T) {
		t.Setenv("QUILL_ENVIRONMENT", "staging")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("page size", func(t *testing.T) {
		t.Setenv("QUILL_PAGE_SIZE", "512")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("pool capacity", func(t *testing.T) {
		t.Setenv("QUILL_POOL_CAPACITY", "0")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

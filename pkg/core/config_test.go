package core_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/core"
)

func TestConfigValidate(t *testing.T) {
	valid := &core.Config{
		Embedder:    core.EmbedderConfig{Provider: "fallback", Dimensions: 64},
		VectorStore: core.VectorStoreConfig{Provider: "sqlite"},
	}
	assert.NoError(t, valid.Validate())

	noProvider := &core.Config{
		Embedder:    core.EmbedderConfig{Dimensions: 64},
		VectorStore: core.VectorStoreConfig{Provider: "sqlite"},
	}
	assert.ErrorIs(t, noProvider.Validate(), core.ErrInvalidConfig)

	noDims := &core.Config{
		Embedder:    core.EmbedderConfig{Provider: "fallback"},
		VectorStore: core.VectorStoreConfig{Provider: "sqlite"},
	}
	assert.ErrorIs(t, noDims.Validate(), core.ErrInvalidConfig)

	noStore := &core.Config{
		Embedder: core.EmbedderConfig{Provider: "fallback", Dimensions: 64},
	}
	assert.ErrorIs(t, noStore.Validate(), core.ErrInvalidConfig)
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	payload := `{
		"embedder": {"provider": "fallback", "dimensions": 128},
		"vector_store": {
			"provider": "sqlite",
			"config": {"db_path": "./engram.db", "embedding_model_dims": 128}
		},
		"index": {"enabled": true, "capacity": 500}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	config, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "fallback", config.Embedder.Provider)
	assert.Equal(t, 128, config.Embedder.Dimensions)
	assert.Equal(t, "sqlite", config.VectorStore.Provider)
	assert.Equal(t, "./engram.db", config.VectorStore.Config["db_path"])
	assert.True(t, config.Index.Enabled)
	assert.Equal(t, 500, config.Index.Capacity)

	_, err = core.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("ENGRAM_DATABASE_PROVIDER", "")
	t.Setenv("ENGRAM_EMBEDDING_PROVIDER", "")
	t.Setenv("ENGRAM_EMBEDDING_DIMS", "")
	t.Setenv("ENGRAM_INDEX_ENABLED", "")

	config, err := core.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", config.VectorStore.Provider)
	assert.Equal(t, "fallback", config.Embedder.Provider)
	assert.Equal(t, 1536, config.Embedder.Dimensions)
	assert.False(t, config.Index.Enabled)
}

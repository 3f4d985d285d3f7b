package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for an Engram client.
//
// It includes settings for:
//   - Embedding provider (for vector generation, with hash fallback)
//   - Vector store (for authoritative memory persistence)
//   - Approximate index (optional in-memory speed layer)
//
// Example:
//
//	config := &core.Config{
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-ada-002",
//	        Dimensions: 1536,
//	    },
//	    VectorStore: core.VectorStoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./memories.db",
//	        },
//	    },
//	}
type Config struct {
	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// VectorStore contains vector store configuration.
	VectorStore VectorStoreConfig `json:"vector_store"`

	// Index contains approximate index configuration (disabled by default).
	Index IndexConfig `json:"index"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, fallback
//
// Whatever the provider, the client always carries the deterministic hash
// fallback underneath it, so embedding never fails a store or search.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, fallback).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-ada-002").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536).
	Dimensions int `json:"dimensions,omitempty"`

	// MaxConcurrent bounds concurrent remote embedding calls (optional).
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// VectorStoreConfig contains configuration for the vector store.
//
// Supported providers: sqlite, postgres, oceanbase
type VectorStoreConfig struct {
	// Provider is the vector store provider name (sqlite, postgres, oceanbase).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, collection_name, embedding_model_dims
	// For PostgreSQL: host, port, user, password, db_name, collection_name, embedding_model_dims, ssl_mode
	// For OceanBase: host, port, user, password, db_name, collection_name, embedding_model_dims
	Config map[string]interface{} `json:"config"`
}

// IndexConfig contains configuration for the approximate index.
//
// The index is an optional mirror of the vector store; when disabled every
// search runs against the store alone with identical results.
type IndexConfig struct {
	// Enabled turns the approximate index on.
	Enabled bool `json:"enabled"`

	// Name identifies the persisted snapshot (default "memories").
	Name string `json:"name,omitempty"`

	// M, EfConstruction and EfSearch tune HNSW construction (optional).
	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
	EfSearch       int `json:"ef_search,omitempty"`

	// Capacity caps indexed vectors (default 100000). Past it, writes
	// still land in the store and only the index mirror is skipped.
	Capacity int `json:"capacity,omitempty"`

	// PersistIntervalSeconds is the snapshot period (default 3600).
	PersistIntervalSeconds int `json:"persist_interval_seconds,omitempty"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - ENGRAM_DATABASE_PROVIDER (sqlite, postgres, oceanbase)
//   - ENGRAM_SQLITE_PATH, ENGRAM_SQLITE_COLLECTION, etc.
//   - ENGRAM_POSTGRES_HOST, ENGRAM_POSTGRES_PORT, ENGRAM_POSTGRES_USER, etc.
//   - ENGRAM_OCEANBASE_HOST, ENGRAM_OCEANBASE_PORT, ENGRAM_OCEANBASE_USER, etc.
//   - ENGRAM_EMBEDDING_PROVIDER, ENGRAM_EMBEDDING_API_KEY, ENGRAM_EMBEDDING_MODEL
//   - ENGRAM_EMBEDDING_DIMS, ENGRAM_EMBEDDING_BASE_URL
//   - ENGRAM_INDEX_ENABLED, ENGRAM_INDEX_CAPACITY, ENGRAM_INDEX_PERSIST_INTERVAL
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnv() (*Config, error) {
	// Use FindEnvFile to locate .env file (supports upward search)
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	dims, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_EMBEDDING_DIMS", "1536"))

	provider := getEnvOrDefault("ENGRAM_DATABASE_PROVIDER", "sqlite")

	vectorStoreConfig := make(map[string]interface{})
	switch provider {
	case "sqlite":
		vectorStoreConfig = map[string]interface{}{
			"db_path":              getEnvOrDefault("ENGRAM_SQLITE_PATH", "./engram.db"),
			"collection_name":      getEnvOrDefault("ENGRAM_SQLITE_COLLECTION", "memories"),
			"embedding_model_dims": dims,
		}
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_POSTGRES_PORT", "5432"))

		vectorStoreConfig = map[string]interface{}{
			"host":                 getEnvOrDefault("ENGRAM_POSTGRES_HOST", "localhost"),
			"port":                 port,
			"user":                 getEnvOrDefault("ENGRAM_POSTGRES_USER", "postgres"),
			"password":             os.Getenv("ENGRAM_POSTGRES_PASSWORD"),
			"db_name":              getEnvOrDefault("ENGRAM_POSTGRES_DATABASE", "engram"),
			"collection_name":      getEnvOrDefault("ENGRAM_POSTGRES_COLLECTION", "memories"),
			"embedding_model_dims": dims,
			"ssl_mode":             getEnvOrDefault("ENGRAM_POSTGRES_SSLMODE", "disable"),
		}
	case "oceanbase":
		port, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_OCEANBASE_PORT", "2881"))

		vectorStoreConfig = map[string]interface{}{
			"host":                 getEnvOrDefault("ENGRAM_OCEANBASE_HOST", "127.0.0.1"),
			"port":                 port,
			"user":                 getEnvOrDefault("ENGRAM_OCEANBASE_USER", "root@sys"),
			"password":             os.Getenv("ENGRAM_OCEANBASE_PASSWORD"),
			"db_name":              getEnvOrDefault("ENGRAM_OCEANBASE_DATABASE", "engram"),
			"collection_name":      getEnvOrDefault("ENGRAM_OCEANBASE_COLLECTION", "memories"),
			"embedding_model_dims": dims,
		}
	}

	embedderProvider := getEnvOrDefault("ENGRAM_EMBEDDING_PROVIDER", "fallback")
	embedderModel := os.Getenv("ENGRAM_EMBEDDING_MODEL")
	if embedderProvider == "openai" && embedderModel == "" {
		embedderModel = "text-embedding-ada-002"
	}
	maxConcurrent, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_EMBEDDING_MAX_CONCURRENT", "0"))

	capacity, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_INDEX_CAPACITY", "0"))
	persistInterval, _ := strconv.Atoi(getEnvOrDefault("ENGRAM_INDEX_PERSIST_INTERVAL", "0"))

	config := &Config{
		Embedder: EmbedderConfig{
			Provider:      embedderProvider,
			APIKey:        os.Getenv("ENGRAM_EMBEDDING_API_KEY"),
			Model:         embedderModel,
			BaseURL:       os.Getenv("ENGRAM_EMBEDDING_BASE_URL"),
			Dimensions:    dims,
			MaxConcurrent: maxConcurrent,
		},
		VectorStore: VectorStoreConfig{
			Provider: provider,
			Config:   vectorStoreConfig,
		},
		Index: IndexConfig{
			Enabled:                os.Getenv("ENGRAM_INDEX_ENABLED") == "true",
			Name:                   os.Getenv("ENGRAM_INDEX_NAME"),
			Capacity:               capacity,
			PersistIntervalSeconds: persistInterval,
		},
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEngramError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewEngramError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - Embedder provider must be specified with positive dimensions
//   - Vector store provider must be specified
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.Embedder.Provider == "" {
		return NewEngramError("Validate", ErrInvalidConfig)
	}
	if c.Embedder.Dimensions <= 0 {
		return NewEngramError("Validate", ErrInvalidConfig)
	}
	if c.VectorStore.Provider == "" {
		return NewEngramError("Validate", ErrInvalidConfig)
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}

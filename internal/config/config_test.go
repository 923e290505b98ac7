package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(50), cfg.Performance.BatchTimeoutMs)
	assert.Equal(t, 1000, cfg.Performance.MaxBatchSize)
	assert.Equal(t, 3, cfg.Performance.MaxRetries)
	assert.Equal(t, int64(30000), cfg.Performance.WriteTimeoutMs)
	assert.Equal(t, 2, cfg.Performance.CommitThreads)
	assert.Equal(t, int64(10), cfg.Performance.CheckpointInterval)
	assert.Equal(t, "LOCAL", cfg.Storage.Type)
	assert.Equal(t, "snappy", cfg.Storage.CompressionCodec)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
performance:
  batch_timeout_ms: 25
  commit_threads: 4
storage:
  type: LOCAL
  base_path: /var/lake
  partition_strategy: DATE_BASED
tables:
  users:
    primary_key_column: user_id
    partition_columns: [country]
    partition_strategy: HASH_BASED
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(25), cfg.Performance.BatchTimeoutMs)
	assert.Equal(t, 4, cfg.Performance.CommitThreads)
	// Unset keys keep their defaults.
	assert.Equal(t, 1000, cfg.Performance.MaxBatchSize)
	assert.Equal(t, "/var/lake", cfg.Storage.BasePath)

	users, ok := cfg.Tables["users"]
	require.True(t, ok)
	assert.Equal(t, "user_id", users.PrimaryKeyColumn)
	assert.Equal(t, []string{"country"}, users.PartitionColumns)
	assert.Equal(t, "HASH_BASED", users.PartitionStrategy)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DELTA_WRITER_PORT", "7070")
	t.Setenv("DELTA_WRITER_BATCH_TIMEOUT_MS", "10")
	t.Setenv("DELTA_WRITER_STORAGE_TYPE", "LOCAL")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, int64(10), cfg.Performance.BatchTimeoutMs)
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("LAKE_BASE", "/srv/lake")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  type: LOCAL\n  base_path: ${LAKE_BASE}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/lake", cfg.Storage.BasePath)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch timeout", func(c *Config) { c.Performance.BatchTimeoutMs = 0 }},
		{"negative batch timeout", func(c *Config) { c.Performance.BatchTimeoutMs = -1 }},
		{"zero batch size", func(c *Config) { c.Performance.MaxBatchSize = 0 }},
		{"negative retries", func(c *Config) { c.Performance.MaxRetries = -1 }},
		{"zero write timeout", func(c *Config) { c.Performance.WriteTimeoutMs = 0 }},
		{"zero commit threads", func(c *Config) { c.Performance.CommitThreads = 0 }},
		{"zero checkpoint interval", func(c *Config) { c.Performance.CheckpointInterval = 0 }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "FTP" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "S3"; c.Storage.Bucket = "" }},
		{"bad strategy", func(c *Config) { c.Storage.PartitionStrategy = "ZODIAC" }},
		{"bad table strategy", func(c *Config) {
			c.Tables = map[string]TableConfig{"users": {PartitionStrategy: "ZODIAC"}}
		}},
		{"bad evolution policy", func(c *Config) { c.Schema.EvolutionPolicy = "SIDEWAYS" }},
		{"bad codec", func(c *Config) { c.Storage.CompressionCodec = "zstd" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8085
	assert.Equal(t, "127.0.0.1:8085", cfg.Address())
}

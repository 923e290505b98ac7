// Package config provides configuration management for the delta writer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the delta writer configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Performance PerformanceConfig      `yaml:"performance"`
	Storage     StorageConfig          `yaml:"storage"`
	Schema      SchemaConfig           `yaml:"schema"`
	Tables      map[string]TableConfig `yaml:"tables"`
	Logging     LoggingConfig          `yaml:"logging"`
	Audit       AuditConfig            `yaml:"audit"`
}

// ServerConfig represents the operational HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// PerformanceConfig represents write-path tuning knobs.
type PerformanceConfig struct {
	// BatchTimeoutMs is the scheduler tick interval.
	BatchTimeoutMs int64 `yaml:"batch_timeout_ms"`
	// MaxBatchSize is the base drain cap per tick.
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxRetries bounds commit conflict retries.
	MaxRetries int `yaml:"max_retries"`
	// WriteTimeoutMs bounds a submitter's wait for its commit.
	WriteTimeoutMs int64 `yaml:"write_timeout_ms"`
	// CommitThreads is the commit worker pool size.
	CommitThreads int `yaml:"commit_threads"`
	// CheckpointInterval is the number of versions between checkpoints.
	CheckpointInterval int64 `yaml:"checkpoint_interval"`
	// ConnectionPoolSize sizes the object-store client pool.
	ConnectionPoolSize int `yaml:"connection_pool_size"`
}

// StorageConfig represents storage backend configuration.
type StorageConfig struct {
	Type              string `yaml:"type"` // S3, LOCAL, HDFS, AZURE, GCS
	BasePath          string `yaml:"base_path"`
	Bucket            string `yaml:"bucket"`
	AzureAccount      string `yaml:"azure_account"`
	HDFSNameNode      string `yaml:"hdfs_namenode"`
	PartitionStrategy string `yaml:"partition_strategy"`
	CompressionCodec  string `yaml:"compression_codec"`
}

// SchemaConfig represents schema handling configuration.
type SchemaConfig struct {
	EvolutionPolicy        string `yaml:"evolution_policy"` // BACKWARD_COMPATIBLE, FORWARD_COMPATIBLE, FULL_COMPATIBLE, NONE
	EnableSchemaValidation bool   `yaml:"enable_schema_validation"`
	AutoRegisterSchemas    bool   `yaml:"auto_register_schemas"`
}

// TableConfig represents per-table overrides.
type TableConfig struct {
	PrimaryKeyColumn  string   `yaml:"primary_key_column"`
	PartitionColumns  []string `yaml:"partition_columns"`
	PartitionStrategy string   `yaml:"partition_strategy"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// AuditConfig represents the commit audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LogFile    string `yaml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8085,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Performance: PerformanceConfig{
			BatchTimeoutMs:     50,
			MaxBatchSize:       1000,
			MaxRetries:         3,
			WriteTimeoutMs:     30000,
			CommitThreads:      2,
			CheckpointInterval: 10,
			ConnectionPoolSize: 4,
		},
		Storage: StorageConfig{
			Type:              "LOCAL",
			BasePath:          "/tmp/delta-writer",
			PartitionStrategy: "NONE",
			CompressionCodec:  "snappy",
		},
		Schema: SchemaConfig{
			EvolutionPolicy:        "BACKWARD_COMPATIBLE",
			EnableSchemaValidation: true,
			AutoRegisterSchemas:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DELTA_WRITER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("DELTA_WRITER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DELTA_WRITER_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("DELTA_WRITER_BASE_PATH"); v != "" {
		c.Storage.BasePath = v
	}
	if v := os.Getenv("DELTA_WRITER_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("DELTA_WRITER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DELTA_WRITER_BATCH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Performance.BatchTimeoutMs = n
		}
	}
	if v := os.Getenv("DELTA_WRITER_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Performance.MaxBatchSize = n
		}
	}
	if v := os.Getenv("DELTA_WRITER_COMMIT_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Performance.CommitThreads = n
		}
	}
	if v := os.Getenv("DELTA_WRITER_AUDIT_LOG"); v != "" {
		c.Audit.Enabled = true
		c.Audit.LogFile = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Performance.BatchTimeoutMs <= 0 {
		return fmt.Errorf("batch_timeout_ms must be positive, got %d", c.Performance.BatchTimeoutMs)
	}
	if c.Performance.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.Performance.MaxBatchSize)
	}
	if c.Performance.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Performance.MaxRetries)
	}
	if c.Performance.WriteTimeoutMs <= 0 {
		return fmt.Errorf("write_timeout_ms must be positive, got %d", c.Performance.WriteTimeoutMs)
	}
	if c.Performance.CommitThreads <= 0 {
		return fmt.Errorf("commit_threads must be positive, got %d", c.Performance.CommitThreads)
	}
	if c.Performance.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive, got %d", c.Performance.CheckpointInterval)
	}

	validStorageTypes := map[string]bool{
		"S3":    true,
		"LOCAL": true,
		"HDFS":  true,
		"AZURE": true,
		"GCS":   true,
	}
	storageType := strings.ToUpper(c.Storage.Type)
	if !validStorageTypes[storageType] {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if storageType == "S3" || storageType == "GCS" {
		if c.Storage.Bucket == "" {
			return fmt.Errorf("bucket is required for storage type %s", storageType)
		}
	}

	if err := validateStrategy(c.Storage.PartitionStrategy); err != nil {
		return err
	}
	for table, tc := range c.Tables {
		if tc.PartitionStrategy == "" {
			continue
		}
		if err := validateStrategy(tc.PartitionStrategy); err != nil {
			return fmt.Errorf("table %q: %w", table, err)
		}
	}

	validPolicies := map[string]bool{
		"BACKWARD_COMPATIBLE": true,
		"FORWARD_COMPATIBLE":  true,
		"FULL_COMPATIBLE":     true,
		"NONE":                true,
	}
	policy := strings.ToUpper(c.Schema.EvolutionPolicy)
	if !validPolicies[policy] {
		return fmt.Errorf("invalid schema evolution policy: %s", c.Schema.EvolutionPolicy)
	}

	codec := strings.ToLower(c.Storage.CompressionCodec)
	if codec != "" && codec != "snappy" {
		return fmt.Errorf("unsupported compression codec: %s", c.Storage.CompressionCodec)
	}

	return nil
}

func validateStrategy(strategy string) error {
	if strategy == "" {
		return nil
	}
	valid := map[string]bool{
		"NONE":        true,
		"DATE_BASED":  true,
		"HASH_BASED":  true,
		"RANGE_BASED": true,
	}
	if !valid[strings.ToUpper(strategy)] {
		return fmt.Errorf("invalid partition strategy: %s", strategy)
	}
	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

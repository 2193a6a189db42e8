// Package config handles configuration loading for the exchange gateway.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and SFTP passwords to be injected at runtime.
//
// # Configuration Sections
//
//   - storage: backing store selection (memory or mongodb)
//   - identities: local AS2 identities this gateway sends and receives as
//   - queue: outbound delivery queue tuning (tick, concurrency, backoff)
//   - sftp: connection pool limits
//   - logs: transport log retention and sweep cadence
//
// # Example Configuration
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: tradelink
//
//	identities:
//	  - as2Id: MYCOMPANY
//	    certificateId: 2f1c9e40-...
//
//	queue:
//	  tickInterval: 5s
//	  maxConcurrent: 4
//	  backoff:
//	    base: 30s
//	    multiplier: 2.0
//	    max: 1h
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Identities []IdentityConfig `yaml:"identities"`
	Queue      QueueConfig      `yaml:"queue"`
	SFTP       SFTPConfig       `yaml:"sftp"`
	Logs       LogConfig        `yaml:"logs"`
}

// StorageConfig selects and configures the backing store
type StorageConfig struct {
	// Type is "memory" or "mongodb"
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// IdentityConfig declares a local AS2 identity
type IdentityConfig struct {
	AS2ID         string `yaml:"as2Id"`
	CertificateID string `yaml:"certificateId"`
}

// QueueConfig holds delivery queue settings
type QueueConfig struct {
	TickInterval      time.Duration `yaml:"tickInterval"`
	MaxConcurrent     int           `yaml:"maxConcurrent"`
	BatchSize         int           `yaml:"batchSize"`
	DefaultMaxRetries int           `yaml:"defaultMaxRetries"`
	Backoff           struct {
		Base       time.Duration `yaml:"base"`
		Multiplier float64       `yaml:"multiplier"`
		Max        time.Duration `yaml:"max"`
	} `yaml:"backoff"`
}

// SFTPConfig holds connection pool settings
type SFTPConfig struct {
	MaxConnections int           `yaml:"maxConnections"`
	MaxAge         time.Duration `yaml:"maxAge"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
}

// LogConfig holds transport log retention settings
type LogConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "tradelink"
	}
	if c.Queue.TickInterval == 0 {
		c.Queue.TickInterval = 5 * time.Second
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 4
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 50
	}
	if c.Queue.DefaultMaxRetries == 0 {
		c.Queue.DefaultMaxRetries = 3
	}
	if c.Queue.Backoff.Base == 0 {
		c.Queue.Backoff.Base = 30 * time.Second
	}
	if c.Queue.Backoff.Multiplier == 0 {
		c.Queue.Backoff.Multiplier = 2.0
	}
	if c.Queue.Backoff.Max == 0 {
		c.Queue.Backoff.Max = 1 * time.Hour
	}
	if c.SFTP.MaxConnections == 0 {
		c.SFTP.MaxConnections = 10
	}
	if c.SFTP.MaxAge == 0 {
		c.SFTP.MaxAge = 10 * time.Minute
	}
	if c.SFTP.SweepInterval == 0 {
		c.SFTP.SweepInterval = 1 * time.Minute
	}
	if c.Logs.Retention == 0 {
		c.Logs.Retention = 90 * 24 * time.Hour
	}
	if c.Logs.SweepInterval == 0 {
		c.Logs.SweepInterval = 1 * time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory' or 'mongodb', got '%s'", c.Storage.Type)
	}

	for i, id := range c.Identities {
		if id.AS2ID == "" {
			return fmt.Errorf("identities[%d].as2Id is required", i)
		}
	}
	return nil
}

package config

import (
	"context"
	"time"
)

// Package config provides configuration management for the sentinel.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (SENTINEL_* prefix, dots become underscores)
//   2. YAML config file (default: /etc/sentinel/config.yaml, optional)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Server   - admin HTTP port
//   2. Loop     - poll and retrain cadence, minimum retrain samples
//   3. Buffers  - training/archive capacity and backend (sqlite | redis)
//   4. Gate     - consecutive-anomaly threshold and surge levels
//   5. Ensemble - strategy (hard | soft | weighted), threshold, weights
//   6. Models   - enabled scorer ids and their parameters, artifact store
//   7. Source   - metric source (sqlite | prometheus | host)
//   8. Storage  - SQLite database path
//   9. Tracking - run sink (none | log | sqlite | mlflow)
//  10. Logging  - level, format, optional rotating file
//
// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Port    int
		Enabled bool
	}

	Loop struct {
		PollInterval      time.Duration
		RetrainInterval   time.Duration
		MinRetrainSamples int
		QueryWindow       time.Duration
	}

	Buffers struct {
		Backend          string // sqlite | redis
		TrainingCapacity int
		ArchiveCapacity  int
		RedisAddr        string
		RedisPassword    string
		RedisDB          int
	}

	Gate struct {
		Threshold int
		CPUSurge  float64
		MemSurge  float64
		NetSurge  float64
	}

	Ensemble struct {
		Strategy  string
		Threshold float64
		Weights   map[string]float64
	}

	Models struct {
		Enabled                 []string
		Contamination           float64
		Seed                    int64
		NumTrees                int
		SampleSize              int
		LOFNeighbors            int
		EnvelopeSupportFraction float64
		Store                   string // sqlite | file
		Dir                     string
		KeepVersions            int // saved generations retained; 0 keeps all
	}

	Source struct {
		Type          string // sqlite | prometheus | host
		PrometheusURL string
		Queries       map[string]string
	}

	Storage struct {
		SQLitePath string
	}

	Tracking struct {
		Type       string // none | log | sqlite | mlflow
		MLflowURL  string
		Experiment string
	}

	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch delivers a fresh Config after each change to the config file.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads the config file.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "/etc/sentinel/config.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

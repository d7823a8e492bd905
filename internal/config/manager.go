package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("SENTINEL")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults and env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Updates that fail to
// parse or validate are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			m.applyChange()
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// applyChange publishes the re-read config only if it decodes and
// validates; otherwise the current config stays in effect.
func (m *viperConfigManager) applyChange() bool {
	cfg, err := m.decodeConfig()
	if err != nil || len(cfg.Validate()) > 0 {
		return false
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	select {
	case m.watchChan <- *cfg:
	default:
		// Channel full, skip this update
	}
	return true
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.enabled", defaults.Server.Enabled)

	m.viper.SetDefault("loop.poll_interval", defaults.Loop.PollInterval)
	m.viper.SetDefault("loop.retrain_interval", defaults.Loop.RetrainInterval)
	m.viper.SetDefault("loop.min_retrain_samples", defaults.Loop.MinRetrainSamples)
	m.viper.SetDefault("loop.query_window", defaults.Loop.QueryWindow)

	m.viper.SetDefault("buffers.backend", defaults.Buffers.Backend)
	m.viper.SetDefault("buffers.training_capacity", defaults.Buffers.TrainingCapacity)
	m.viper.SetDefault("buffers.archive_capacity", defaults.Buffers.ArchiveCapacity)
	m.viper.SetDefault("buffers.redis_addr", defaults.Buffers.RedisAddr)
	m.viper.SetDefault("buffers.redis_password", defaults.Buffers.RedisPassword)
	m.viper.SetDefault("buffers.redis_db", defaults.Buffers.RedisDB)

	m.viper.SetDefault("gate.threshold", defaults.Gate.Threshold)
	m.viper.SetDefault("gate.cpu_surge", defaults.Gate.CPUSurge)
	m.viper.SetDefault("gate.mem_surge", defaults.Gate.MemSurge)
	m.viper.SetDefault("gate.net_surge", defaults.Gate.NetSurge)

	m.viper.SetDefault("ensemble.strategy", defaults.Ensemble.Strategy)
	m.viper.SetDefault("ensemble.threshold", defaults.Ensemble.Threshold)
	m.viper.SetDefault("ensemble.weights", defaults.Ensemble.Weights)

	m.viper.SetDefault("models.enabled", defaults.Models.Enabled)
	m.viper.SetDefault("models.contamination", defaults.Models.Contamination)
	m.viper.SetDefault("models.seed", defaults.Models.Seed)
	m.viper.SetDefault("models.num_trees", defaults.Models.NumTrees)
	m.viper.SetDefault("models.sample_size", defaults.Models.SampleSize)
	m.viper.SetDefault("models.lof_neighbors", defaults.Models.LOFNeighbors)
	m.viper.SetDefault("models.envelope_support_fraction", defaults.Models.EnvelopeSupportFraction)
	m.viper.SetDefault("models.store", defaults.Models.Store)
	m.viper.SetDefault("models.dir", defaults.Models.Dir)
	m.viper.SetDefault("models.keep_versions", defaults.Models.KeepVersions)

	m.viper.SetDefault("source.type", defaults.Source.Type)
	m.viper.SetDefault("source.prometheus_url", defaults.Source.PrometheusURL)
	m.viper.SetDefault("source.queries", defaults.Source.Queries)

	m.viper.SetDefault("storage.sqlite_path", defaults.Storage.SQLitePath)

	m.viper.SetDefault("tracking.type", defaults.Tracking.Type)
	m.viper.SetDefault("tracking.mlflow_url", defaults.Tracking.MLflowURL)
	m.viper.SetDefault("tracking.experiment", defaults.Tracking.Experiment)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg, err := m.decodeConfig()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// decodeConfig builds a Config from the current viper state without
// publishing it.
func (m *viperConfigManager) decodeConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.Enabled = m.viper.GetBool("server.enabled")

	cfg.Loop.PollInterval = m.viper.GetDuration("loop.poll_interval")
	cfg.Loop.RetrainInterval = m.viper.GetDuration("loop.retrain_interval")
	cfg.Loop.MinRetrainSamples = m.viper.GetInt("loop.min_retrain_samples")
	cfg.Loop.QueryWindow = m.viper.GetDuration("loop.query_window")

	cfg.Buffers.Backend = m.viper.GetString("buffers.backend")
	cfg.Buffers.TrainingCapacity = m.viper.GetInt("buffers.training_capacity")
	cfg.Buffers.ArchiveCapacity = m.viper.GetInt("buffers.archive_capacity")
	cfg.Buffers.RedisAddr = m.viper.GetString("buffers.redis_addr")
	cfg.Buffers.RedisPassword = m.viper.GetString("buffers.redis_password")
	cfg.Buffers.RedisDB = m.viper.GetInt("buffers.redis_db")

	cfg.Gate.Threshold = m.viper.GetInt("gate.threshold")
	cfg.Gate.CPUSurge = m.viper.GetFloat64("gate.cpu_surge")
	cfg.Gate.MemSurge = m.viper.GetFloat64("gate.mem_surge")
	cfg.Gate.NetSurge = m.viper.GetFloat64("gate.net_surge")

	cfg.Ensemble.Strategy = strings.ToLower(m.viper.GetString("ensemble.strategy"))
	cfg.Ensemble.Threshold = m.viper.GetFloat64("ensemble.threshold")
	if err := m.viper.UnmarshalKey("ensemble.weights", &cfg.Ensemble.Weights); err != nil {
		return nil, fmt.Errorf("ensemble.weights: %w", err)
	}

	cfg.Models.Enabled = m.viper.GetStringSlice("models.enabled")
	cfg.Models.Contamination = m.viper.GetFloat64("models.contamination")
	cfg.Models.Seed = m.viper.GetInt64("models.seed")
	cfg.Models.NumTrees = m.viper.GetInt("models.num_trees")
	cfg.Models.SampleSize = m.viper.GetInt("models.sample_size")
	cfg.Models.LOFNeighbors = m.viper.GetInt("models.lof_neighbors")
	cfg.Models.EnvelopeSupportFraction = m.viper.GetFloat64("models.envelope_support_fraction")
	cfg.Models.Store = m.viper.GetString("models.store")
	cfg.Models.Dir = m.viper.GetString("models.dir")
	cfg.Models.KeepVersions = m.viper.GetInt("models.keep_versions")

	cfg.Source.Type = m.viper.GetString("source.type")
	cfg.Source.PrometheusURL = m.viper.GetString("source.prometheus_url")
	cfg.Source.Queries = m.viper.GetStringMapString("source.queries")

	cfg.Storage.SQLitePath = m.viper.GetString("storage.sqlite_path")

	cfg.Tracking.Type = m.viper.GetString("tracking.type")
	cfg.Tracking.MLflowURL = m.viper.GetString("tracking.mlflow_url")
	cfg.Tracking.Experiment = m.viper.GetString("tracking.experiment")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	return cfg, nil
}

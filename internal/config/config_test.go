package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.True(t, cfg.Server.Enabled)

	assert.Equal(t, 10*time.Second, cfg.Loop.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.Loop.RetrainInterval)
	assert.Equal(t, 30, cfg.Loop.MinRetrainSamples)

	assert.Equal(t, 2000, cfg.Buffers.TrainingCapacity)
	assert.Equal(t, 1000, cfg.Buffers.ArchiveCapacity)

	assert.Equal(t, 12, cfg.Gate.Threshold)
	assert.Equal(t, 10.0, cfg.Gate.CPUSurge)
	assert.Equal(t, 30.0, cfg.Gate.MemSurge)
	assert.Equal(t, 15000.0, cfg.Gate.NetSurge)

	assert.Equal(t, "hard", cfg.Ensemble.Strategy)
	assert.Equal(t, 0.40, cfg.Ensemble.Weights["isolation_forest"])
	assert.Equal(t, []string{"isolation_forest"}, cfg.Models.Enabled)
	assert.Equal(t, 0.05, cfg.Models.Contamination)
	assert.Equal(t, 10, cfg.Models.KeepVersions)

	assert.Equal(t, "none", cfg.Tracking.Type)
	assert.Equal(t, "anomaly_detection_retraining", cfg.Tracking.Experiment)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modifyFn func(*Config)
		errorMsg string
	}{
		{
			name:     "invalid port",
			modifyFn: func(cfg *Config) { cfg.Server.Port = 0 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name:     "unknown strategy",
			modifyFn: func(cfg *Config) { cfg.Ensemble.Strategy = "majority" },
			errorMsg: "ensemble.strategy",
		},
		{
			name:     "threshold out of range",
			modifyFn: func(cfg *Config) { cfg.Ensemble.Threshold = 1.5 },
			errorMsg: "ensemble.threshold",
		},
		{
			name:     "unknown model",
			modifyFn: func(cfg *Config) { cfg.Models.Enabled = []string{"isolation_forest", "svm"} },
			errorMsg: `unknown model "svm"`,
		},
		{
			name:     "no models",
			modifyFn: func(cfg *Config) { cfg.Models.Enabled = nil },
			errorMsg: "at least one model",
		},
		{
			name:     "contamination too high",
			modifyFn: func(cfg *Config) { cfg.Models.Contamination = 0.6 },
			errorMsg: "models.contamination",
		},
		{
			name:     "zero capacity",
			modifyFn: func(cfg *Config) { cfg.Buffers.ArchiveCapacity = 0 },
			errorMsg: "buffers.archive_capacity",
		},
		{
			name:     "zero poll interval",
			modifyFn: func(cfg *Config) { cfg.Loop.PollInterval = 0 },
			errorMsg: "loop.poll_interval",
		},
		{
			name:     "gate threshold",
			modifyFn: func(cfg *Config) { cfg.Gate.Threshold = 0 },
			errorMsg: "gate.threshold",
		},
		{
			name:     "unknown source",
			modifyFn: func(cfg *Config) { cfg.Source.Type = "influx" },
			errorMsg: "source.type",
		},
		{
			name:     "redis without address",
			modifyFn: func(cfg *Config) { cfg.Buffers.Backend = "redis"; cfg.Buffers.RedisAddr = "" },
			errorMsg: "redis_addr is required",
		},
		{
			name:     "negative keep versions",
			modifyFn: func(cfg *Config) { cfg.Models.KeepVersions = -1 },
			errorMsg: "models.keep_versions",
		},
		{
			name:     "bad log level",
			modifyFn: func(cfg *Config) { cfg.Logging.Level = "verbose" },
			errorMsg: "logging.level",
		},
		{
			name:     "mlflow bad url",
			modifyFn: func(cfg *Config) { cfg.Tracking.Type = "mlflow"; cfg.Tracking.MLflowURL = "not a url" },
			errorMsg: "tracking.mlflow_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)

			var msgs []string
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			assert.Contains(t, strings.Join(msgs, "\n"), tt.errorMsg)

			var verr *ValidationError
			assert.ErrorAs(t, errs[0], &verr)
		})
	}
}

func TestConfigManagerLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
server:
  port: 9191

loop:
  poll_interval: 5s
  retrain_interval: 2m

gate:
  threshold: 6
  cpu_surge: 50

ensemble:
  strategy: weighted
  weights:
    isolation_forest: 0.7
    lof: 0.3

models:
  enabled: [isolation_forest, lof]

source:
  type: prometheus
  prometheus_url: http://prom:9090
  queries:
    cpu: 'avg(rate(node_cpu_seconds_total{mode="idle"}[1m])) * 100'

logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Loop.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Loop.RetrainInterval)
	assert.Equal(t, 6, cfg.Gate.Threshold)
	assert.Equal(t, 50.0, cfg.Gate.CPUSurge)
	assert.Equal(t, 30.0, cfg.Gate.MemSurge, "unset keys keep defaults")
	assert.Equal(t, "weighted", cfg.Ensemble.Strategy)
	assert.Equal(t, 0.7, cfg.Ensemble.Weights["isolation_forest"])
	assert.Equal(t, []string{"isolation_forest", "lof"}, cfg.Models.Enabled)
	assert.Equal(t, "prometheus", cfg.Source.Type)
	assert.Contains(t, cfg.Source.Queries["cpu"], "node_cpu_seconds_total")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("SENTINEL_SERVER_PORT", "7070")
	t.Setenv("SENTINEL_GATE_THRESHOLD", "3")
	t.Setenv("SENTINEL_TRACKING_TYPE", "log")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8081\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port, "env should override config file")
	assert.Equal(t, 3, cfg.Gate.Threshold)
	assert.Equal(t, "log", cfg.Tracking.Type)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 8090, mgr.Get(ctx).Server.Port)
	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
server:
  port: 99999
ensemble:
  strategy: plurality
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "ensemble.strategy")
}

func TestConfigManagerReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("gate:\n  threshold: 4\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 4, mgr.Get(ctx).Gate.Threshold)

	require.NoError(t, os.WriteFile(configPath, []byte("gate:\n  threshold: 9\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 9, mgr.Get(ctx).Gate.Threshold)
}

func TestConfigManagerRejectedChangeKeepsCurrentConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("gate:\n  threshold: 4\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	vm := mgr.(*viperConfigManager)

	require.NoError(t, os.WriteFile(configPath, []byte("gate:\n  threshold: 0\n"), 0644))
	require.NoError(t, vm.viper.ReadInConfig())
	assert.False(t, vm.applyChange())
	assert.Equal(t, 4, mgr.Get(ctx).Gate.Threshold, "invalid change must not replace the config")
	assert.Empty(t, vm.watchChan)

	require.NoError(t, os.WriteFile(configPath, []byte("gate:\n  threshold: 7\n"), 0644))
	require.NoError(t, vm.viper.ReadInConfig())
	assert.True(t, vm.applyChange())
	assert.Equal(t, 7, mgr.Get(ctx).Gate.Threshold)
	select {
	case cfg := <-vm.watchChan:
		assert.Equal(t, 7, cfg.Gate.Threshold)
	default:
		t.Fatal("valid change was not delivered")
	}
}

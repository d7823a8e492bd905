package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8090
	cfg.Server.Enabled = true

	cfg.Loop.PollInterval = 10 * time.Second
	cfg.Loop.RetrainInterval = 300 * time.Second
	cfg.Loop.MinRetrainSamples = 30
	cfg.Loop.QueryWindow = 5 * time.Minute

	cfg.Buffers.Backend = "sqlite"
	cfg.Buffers.TrainingCapacity = 2000
	cfg.Buffers.ArchiveCapacity = 1000
	cfg.Buffers.RedisAddr = "localhost:6379"
	cfg.Buffers.RedisPassword = ""
	cfg.Buffers.RedisDB = 0

	// 12 polls at 10s: two minutes of sustained anomalies
	cfg.Gate.Threshold = 12
	cfg.Gate.CPUSurge = 10.0
	cfg.Gate.MemSurge = 30.0
	cfg.Gate.NetSurge = 15000.0

	cfg.Ensemble.Strategy = "hard"
	cfg.Ensemble.Threshold = 0.5
	cfg.Ensemble.Weights = map[string]float64{
		"isolation_forest":  0.40,
		"elliptic_envelope": 0.35,
		"lof":               0.25,
	}

	cfg.Models.Enabled = []string{"isolation_forest"}
	cfg.Models.Contamination = 0.05
	cfg.Models.Seed = 42
	cfg.Models.NumTrees = 100
	cfg.Models.SampleSize = 256
	cfg.Models.LOFNeighbors = 20
	cfg.Models.EnvelopeSupportFraction = 0.95
	cfg.Models.Store = "sqlite"
	cfg.Models.Dir = "/var/lib/sentinel/models"
	cfg.Models.KeepVersions = 10

	cfg.Source.Type = "sqlite"
	cfg.Source.PrometheusURL = "http://localhost:9090"
	cfg.Source.Queries = map[string]string{}

	cfg.Storage.SQLitePath = "/var/lib/sentinel/sentinel.db"

	cfg.Tracking.Type = "none"
	cfg.Tracking.MLflowURL = "http://localhost:5000"
	cfg.Tracking.Experiment = "anomaly_detection_retraining"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}

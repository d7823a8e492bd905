package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		add(field, "must be one of %s, got %q", strings.Join(allowed, ", "), value)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}

	// Loop
	if c.Loop.PollInterval <= 0 {
		add("loop.poll_interval", "must be positive, got %s", c.Loop.PollInterval)
	}
	if c.Loop.RetrainInterval <= 0 {
		add("loop.retrain_interval", "must be positive, got %s", c.Loop.RetrainInterval)
	}
	if c.Loop.QueryWindow <= 0 {
		add("loop.query_window", "must be positive, got %s", c.Loop.QueryWindow)
	}
	if c.Loop.MinRetrainSamples < 1 {
		add("loop.min_retrain_samples", "must be at least 1, got %d", c.Loop.MinRetrainSamples)
	}

	// Buffers
	oneOf("buffers.backend", c.Buffers.Backend, "sqlite", "redis")
	if c.Buffers.TrainingCapacity < 1 {
		add("buffers.training_capacity", "must be at least 1, got %d", c.Buffers.TrainingCapacity)
	}
	if c.Buffers.ArchiveCapacity < 1 {
		add("buffers.archive_capacity", "must be at least 1, got %d", c.Buffers.ArchiveCapacity)
	}
	if c.Buffers.Backend == "redis" && c.Buffers.RedisAddr == "" {
		add("buffers.redis_addr", "redis_addr is required when backend is redis")
	}
	if c.Buffers.TrainingCapacity > 0 && c.Loop.MinRetrainSamples > c.Buffers.TrainingCapacity {
		add("loop.min_retrain_samples", "cannot exceed buffers.training_capacity (%d)", c.Buffers.TrainingCapacity)
	}

	// Gate
	if c.Gate.Threshold < 1 {
		add("gate.threshold", "must be at least 1, got %d", c.Gate.Threshold)
	}
	if c.Gate.CPUSurge < 0 || c.Gate.MemSurge < 0 || c.Gate.NetSurge < 0 {
		add("gate", "surge thresholds must be non-negative")
	}

	// Ensemble
	var strategies []string
	for _, s := range ensemble.Strategies() {
		strategies = append(strategies, s.Name)
	}
	oneOf("ensemble.strategy", c.Ensemble.Strategy, strategies...)
	if c.Ensemble.Threshold < 0 || c.Ensemble.Threshold > 1 {
		add("ensemble.threshold", "must be between 0 and 1, got %g", c.Ensemble.Threshold)
	}
	for id, w := range c.Ensemble.Weights {
		if w < 0 {
			add("ensemble.weights", "weight for %s must be non-negative, got %g", id, w)
		}
	}

	// Models
	reg := ml.DefaultRegistry()
	if len(c.Models.Enabled) == 0 {
		add("models.enabled", "at least one model must be enabled")
	}
	for _, id := range c.Models.Enabled {
		if !reg.Has(id) {
			add("models.enabled", "unknown model %q (known: %s)", id, strings.Join(reg.IDs(), ", "))
		}
	}
	if c.Models.Contamination <= 0 || c.Models.Contamination > 0.5 {
		add("models.contamination", "must be in (0, 0.5], got %g", c.Models.Contamination)
	}
	if c.Models.NumTrees < 1 {
		add("models.num_trees", "must be at least 1, got %d", c.Models.NumTrees)
	}
	if c.Models.SampleSize < 2 {
		add("models.sample_size", "must be at least 2, got %d", c.Models.SampleSize)
	}
	if c.Models.KeepVersions < 0 {
		add("models.keep_versions", "must be non-negative, got %d", c.Models.KeepVersions)
	}
	if c.Models.LOFNeighbors < 1 {
		add("models.lof_neighbors", "must be at least 1, got %d", c.Models.LOFNeighbors)
	}
	if c.Models.EnvelopeSupportFraction <= 0 || c.Models.EnvelopeSupportFraction > 1 {
		add("models.envelope_support_fraction", "must be in (0, 1], got %g", c.Models.EnvelopeSupportFraction)
	}
	oneOf("models.store", c.Models.Store, "sqlite", "file")
	if c.Models.Store == "file" && c.Models.Dir == "" {
		add("models.dir", "dir is required when store is file")
	}

	// Source
	oneOf("source.type", c.Source.Type, "sqlite", "prometheus", "host")
	if c.Source.Type == "prometheus" {
		if _, err := url.ParseRequestURI(c.Source.PrometheusURL); err != nil {
			add("source.prometheus_url", "invalid URL %q: %v", c.Source.PrometheusURL, err)
		}
	}

	if c.Storage.SQLitePath == "" {
		add("storage.sqlite_path", "sqlite_path is required")
	}

	// Tracking
	oneOf("tracking.type", c.Tracking.Type, "none", "log", "sqlite", "mlflow")
	if c.Tracking.Type == "mlflow" {
		if _, err := url.ParseRequestURI(c.Tracking.MLflowURL); err != nil {
			add("tracking.mlflow_url", "invalid URL %q: %v", c.Tracking.MLflowURL, err)
		}
	}

	// Logging
	oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error")
	oneOf("logging.format", c.Logging.Format, "json", "text")

	return errs
}

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/gate"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/cache"
	"github.com/kubilitics/kubilitics-sentinel/internal/config"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/pipeline"
	"github.com/kubilitics/kubilitics-sentinel/internal/source"
	"github.com/kubilitics/kubilitics-sentinel/internal/tracking"
)

// components is everything run and train share.
type components struct {
	store     db.Store
	buffers   *pipeline.Buffers
	models    pipeline.ModelStore
	holder    *ml.Holder
	combiner  *ensemble.Combiner
	retrainer *pipeline.Retrainer
	closers   []func() error
}

func (c *components) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{holder: &ml.Holder{}}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" && cfg.Storage.SQLitePath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := db.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	c.store = store
	c.closers = append(c.closers, store.Close)

	var bufferStore db.BufferStore = store
	if cfg.Buffers.Backend == "redis" {
		rb, err := cache.NewRedisBuffers(ctx, cfg.Buffers.RedisAddr, cfg.Buffers.RedisPassword, cfg.Buffers.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis buffers: %w", err)
		}
		c.closers = append(c.closers, rb.Close)
		bufferStore = rb
	}
	c.buffers = pipeline.NewBuffers(bufferStore, cfg.Buffers.TrainingCapacity, cfg.Buffers.ArchiveCapacity)

	reg := ml.DefaultRegistry()
	switch cfg.Models.Store {
	case "file":
		c.models = pipeline.NewFileModels(cfg.Models.Dir, reg).WithRetention(cfg.Models.KeepVersions)
	default:
		c.models = pipeline.NewSQLiteModels(store, reg).WithRetention(cfg.Models.KeepVersions)
	}

	c.combiner, err = ensemble.NewCombiner(cfg.Ensemble.Strategy, cfg.Ensemble.Threshold, cfg.Ensemble.Weights)
	if err != nil {
		return nil, err
	}

	tracker, err := buildTracker(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	c.retrainer, err = pipeline.NewRetrainer(pipeline.RetrainConfig{
		Models:     cfg.Models.Enabled,
		Params:     modelParams(cfg),
		MinSamples: cfg.Loop.MinRetrainSamples,
		Interval:   cfg.Loop.RetrainInterval,
		Experiment: cfg.Tracking.Experiment,
	}, reg, c.models, c.holder, c.combiner, tracker, logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

func buildTracker(cfg *config.Config, store db.RunStore, logger *zap.Logger) (tracking.Tracker, error) {
	switch cfg.Tracking.Type {
	case "", "none":
		return tracking.Nop{}, nil
	case "log":
		return tracking.NewLog(logger), nil
	case "sqlite":
		return tracking.NewSQLite(store), nil
	case "mlflow":
		// Runs are also kept locally so history survives an MLflow outage.
		return tracking.Multi{tracking.NewMLflow(cfg.Tracking.MLflowURL), tracking.NewSQLite(store)}, nil
	}
	return nil, fmt.Errorf("unknown tracking type %q", cfg.Tracking.Type)
}

func buildSource(cfg *config.Config, store db.PointStore, logger *zap.Logger) (source.Source, error) {
	switch cfg.Source.Type {
	case "", "sqlite":
		return source.NewStore(store), nil
	case "prometheus":
		return source.NewPrometheus(cfg.Source.PrometheusURL, cfg.Source.Queries, logger)
	case "host":
		return source.NewHost(), nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
}

func modelParams(cfg *config.Config) ml.Params {
	p := ml.DefaultParams()
	p.Contamination = cfg.Models.Contamination
	p.Seed = cfg.Models.Seed
	p.NumTrees = cfg.Models.NumTrees
	p.SampleSize = cfg.Models.SampleSize
	p.LOFNeighbors = cfg.Models.LOFNeighbors
	p.SupportFraction = cfg.Models.EnvelopeSupportFraction
	return p
}

func gateFromConfig(cfg *config.Config) gate.Gate {
	return gate.Gate{
		Threshold: cfg.Gate.Threshold,
		CPUSurge:  cfg.Gate.CPUSurge,
		MemSurge:  cfg.Gate.MemSurge,
		NetSurge:  cfg.Gate.NetSurge,
	}
}

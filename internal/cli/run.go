package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/config"
	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/internal/pipeline"
	"github.com/kubilitics/kubilitics-sentinel/internal/server"
	"github.com/kubilitics/kubilitics-sentinel/internal/source"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var noServer bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, !noServer)
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the admin HTTP server")
	return cmd
}

func (a *app) run(ctx context.Context, withServer bool) error {
	mgr, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	art, err := c.models.Load(ctx)
	switch {
	case errors.Is(err, pipeline.ErrNoArtifact):
		logger.Info("no trained model; every sample is treated as normal until the first retrain")
	case err != nil:
		logger.Warn("failed to load model; detection disabled until the next retrain", zap.Error(err))
	default:
		c.holder.Store(art)
		metrics.ModelReady.Set(1)
		logger.Info("model loaded",
			zap.Strings("models", art.ModelIDs()),
			zap.Time("trained_at", art.TrainedAt))
	}

	if err := c.buffers.Restore(ctx); err != nil {
		logger.Warn("failed to restore buffers; starting empty", zap.Error(err))
	}
	logger.Info("buffers ready",
		zap.Int("training", c.buffers.Training.Len()),
		zap.Int("archive", c.buffers.Archive.Len()))

	src, err := buildSource(cfg, c.store, logger)
	if err != nil {
		return err
	}
	det, err := pipeline.NewDetector(pipeline.DetectorOptions{
		Reader:       source.NewReader(src, cfg.Loop.QueryWindow),
		Writer:       source.NewStore(c.store),
		Combiner:     c.combiner,
		Holder:       c.holder,
		Buffers:      c.buffers,
		Retrainer:    c.retrainer,
		Gate:         gateFromConfig(cfg),
		PollInterval: cfg.Loop.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var srv *server.Server
	if withServer && cfg.Server.Enabled {
		srv, err = server.New(server.Options{
			Port:     cfg.Server.Port,
			Holder:   c.holder,
			Combiner: c.combiner,
			Status:   det,
			Logger:   logger,
			Version:  Version,
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		logger.Info("admin server listening", zap.String("addr", srv.Addr()))
	}

	go watchConfig(ctx, mgr, det, c, logger)

	done := make(chan pipeline.LoopState, 1)
	go func() { done <- det.Run(ctx, det.NewState()) }()

	<-ctx.Done()
	logger.Info("shutting down")
	final := <-done
	if srv != nil {
		if err := srv.Stop(shutdownTimeout); err != nil {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	logger.Info("stopped", zap.Uint64("iterations", final.Iteration))
	return nil
}

// watchConfig applies the settings that can change without a restart: the
// gate and the ensemble threshold.
func watchConfig(ctx context.Context, mgr config.ConfigManager, det *pipeline.Detector, c *components, logger *zap.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if err := det.SetGate(gateFromConfig(&cfg)); err != nil {
				logger.Warn("config reload: gate rejected", zap.Error(err))
			}
			if err := c.combiner.SetThreshold(cfg.Ensemble.Threshold); err != nil {
				logger.Warn("config reload: threshold rejected", zap.Error(err))
			}
			logger.Info("config reloaded",
				zap.Int("gate_threshold", cfg.Gate.Threshold),
				zap.Float64("ensemble_threshold", cfg.Ensemble.Threshold))
		}
	}
}

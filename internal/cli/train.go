package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/validation"
)

type trainSummary struct {
	Samples    int                `json:"samples"`
	Models     []string           `json:"models"`
	Strategy   string             `json:"strategy"`
	Validation validation.Report  `json:"validation"`
	Evaluation *evaluation.Report `json:"evaluation,omitempty"`
	Duration   string             `json:"duration"`
}

func newTrainCmd(a *app) *cobra.Command {
	var (
		dataPath string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the initial model from a CSV dataset",
		Long:  "train validates a CSV with cpu_usage, memory_usage and network_load columns, fits every enabled model on it, persists the artifact and seeds the training buffer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := a.newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			table, err := validation.ReadCSVFile(dataPath)
			if err != nil {
				return err
			}
			report := validation.ValidateDataset(table)
			if !report.Passed {
				if !force {
					return fmt.Errorf("dataset failed validation: %s", strings.Join(report.Failures(), ", "))
				}
				logger.Warn("training on a dataset that failed validation", zap.Strings("failures", report.Failures()))
			}
			samples := table.Samples()
			if len(samples) == 0 {
				return errors.New("dataset has no usable rows")
			}

			c, err := buildComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			res, err := c.retrainer.Bootstrap(ctx, samples)
			if err != nil {
				return err
			}
			if err := c.buffers.Seed(ctx, samples); err != nil {
				return fmt.Errorf("seed training buffer: %w", err)
			}

			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(trainSummary{
				Samples:    res.Samples,
				Models:     res.Artifact.ModelIDs(),
				Strategy:   c.combiner.Strategy(),
				Validation: report,
				Evaluation: res.Evaluation,
				Duration:   res.Duration.String(),
			})
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV dataset to train on")
	cmd.Flags().BoolVar(&force, "force", false, "train even when validation fails")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

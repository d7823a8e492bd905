// Package tracking records training and retraining events to an optional
// experiment sink. The detector never depends on a sink succeeding.
package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/db"
)

// DefaultExperiment is the experiment name used for loop retrains.
const DefaultExperiment = "anomaly_detection_retraining"

// Run is one training event: flat string params and numeric metrics.
type Run struct {
	ID         string
	Experiment string
	Name       string
	Params     map[string]string
	Metrics    map[string]float64
	Time       time.Time
}

// NewRun fills in an id and timestamp.
func NewRun(experiment string, now time.Time) Run {
	return Run{
		ID:         uuid.NewString(),
		Experiment: experiment,
		Params:     map[string]string{},
		Metrics:    map[string]float64{},
		Time:       now,
	}
}

// Tracker accepts runs.
type Tracker interface {
	Record(ctx context.Context, run Run) error
}

// Nop discards runs.
type Nop struct{}

func (Nop) Record(context.Context, Run) error { return nil }

// ─── Best effort ─────────────────────────────────────────────────────────────

type bestEffort struct {
	next   Tracker
	logger *zap.Logger
}

// Best wraps t so that failures are logged and never returned.
func Best(t Tracker, logger *zap.Logger) Tracker {
	if t == nil {
		t = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &bestEffort{next: t, logger: logger.Named("tracking")}
}

func (b *bestEffort) Record(ctx context.Context, run Run) error {
	if err := b.next.Record(ctx, run); err != nil {
		b.logger.Warn("tracking sink failed; run dropped",
			zap.String("run_id", run.ID),
			zap.String("experiment", run.Experiment),
			zap.Error(err))
	}
	return nil
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// Log writes each run as a structured log line.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a tracker that logs to logger.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("tracking")}
}

func (l *Log) Record(_ context.Context, run Run) error {
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("experiment", run.Experiment),
		zap.Time("time", run.Time),
	}
	for k, v := range run.Params {
		fields = append(fields, zap.String("param."+k, v))
	}
	for k, v := range run.Metrics {
		fields = append(fields, zap.Float64("metric."+k, v))
	}
	l.logger.Info("training run", fields...)
	return nil
}

// ─── SQLite ──────────────────────────────────────────────────────────────────

// SQLite stores runs in the training_runs table.
type SQLite struct {
	runs db.RunStore
}

// NewSQLite returns a tracker backed by runs.
func NewSQLite(runs db.RunStore) *SQLite {
	return &SQLite{runs: runs}
}

func (s *SQLite) Record(ctx context.Context, run Run) error {
	return s.runs.AppendRun(ctx, &db.RunRecord{
		ID:         run.ID,
		Experiment: run.Experiment,
		Params:     run.Params,
		Metrics:    run.Metrics,
		StartedAt:  run.Time,
	})
}

// ─── Fan-out ─────────────────────────────────────────────────────────────────

// Multi records to every tracker and returns the first error.
type Multi []Tracker

func (m Multi) Record(ctx context.Context, run Run) error {
	var first error
	for _, t := range m {
		if err := t.Record(ctx, run); err != nil && first == nil {
			first = err
		}
	}
	return first
}

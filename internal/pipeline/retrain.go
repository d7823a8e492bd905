package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
	"github.com/kubilitics/kubilitics-sentinel/internal/tracking"
)

// Retraining defaults.
const (
	DefaultMinRetrainSamples = 30
	DefaultRetrainInterval   = 300 * time.Second
)

// RetrainConfig controls when and what the Retrainer fits.
type RetrainConfig struct {
	Models     []string
	Params     ml.Params
	MinSamples int
	Interval   time.Duration
	Experiment string
}

// Result describes one completed training.
type Result struct {
	Artifact   *ml.Artifact       `json:"-"`
	Evaluation *evaluation.Report `json:"evaluation,omitempty"`
	Samples    int                `json:"samples"`
	Duration   time.Duration      `json:"duration"`
}

// Retrainer fits new artifacts, persists them and publishes them to a Holder.
type Retrainer struct {
	cfg      RetrainConfig
	reg      *ml.Registry
	store    ModelStore
	holder   *ml.Holder
	combiner *ensemble.Combiner
	tracker  tracking.Tracker
	logger   *zap.Logger
	now      func() time.Time
}

// NewRetrainer validates cfg against reg. combiner is used for the
// post-retrain evaluation and may be nil, in which case the first model's
// own prediction is used.
func NewRetrainer(cfg RetrainConfig, reg *ml.Registry, store ModelStore, holder *ml.Holder,
	combiner *ensemble.Combiner, tracker tracking.Tracker, logger *zap.Logger) (*Retrainer, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("retrainer: no models enabled")
	}
	for _, id := range cfg.Models {
		if !reg.Has(id) {
			return nil, fmt.Errorf("retrainer: %w: %q", ml.ErrUnknownModel, id)
		}
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = DefaultMinRetrainSamples
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetrainInterval
	}
	if cfg.Experiment == "" {
		cfg.Experiment = tracking.DefaultExperiment
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrainer{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		holder:   holder,
		combiner: combiner,
		tracker:  tracking.Best(tracker, logger),
		logger:   logger.Named("retrainer"),
		now:      time.Now,
	}, nil
}

// Due reports whether a retrain should fire with n buffered normal samples.
func (r *Retrainer) Due(n int, now, last time.Time) bool {
	return n >= r.cfg.MinSamples && now.Sub(last) >= r.cfg.Interval
}

// Fit builds a new artifact from training samples without persisting it.
func (r *Retrainer) Fit(training []models.Sample) (*ml.Artifact, error) {
	if len(training) == 0 {
		return nil, ml.ErrEmptyBatch
	}
	raw := make([][]float64, len(training))
	for i, s := range training {
		raw[i] = s.Vector()
	}
	scaler, err := ml.FitScaler(raw)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("scale batch: %w", err)
	}

	scorers := make(map[string]ml.Scorer, len(r.cfg.Models))
	for _, id := range r.cfg.Models {
		s, err := r.reg.New(id, r.cfg.Params)
		if err != nil {
			return nil, err
		}
		if err := s.Fit(scaled); err != nil {
			return nil, fmt.Errorf("fit %s: %w", id, err)
		}
		scorers[id] = s
	}
	return &ml.Artifact{
		Generation:    ml.NewGeneration(),
		Scaler:        scaler,
		Scorers:       scorers,
		TrainedAt:     r.now(),
		Contamination: r.cfg.Params.Contamination,
		SampleCount:   len(training),
	}, nil
}

// Retrain fits on the training buffer, persists and publishes the artifact,
// then evaluates it against the archive. The evaluation is reported to the
// tracker and metrics only.
func (r *Retrainer) Retrain(ctx context.Context, training, archive []models.Sample) (*Result, error) {
	start := time.Now()
	a, err := r.publish(ctx, training)
	if err != nil {
		metrics.Retrains.WithLabelValues("error").Inc()
		return nil, err
	}
	res := &Result{Artifact: a, Samples: len(training)}

	if len(archive) > 0 {
		preds := r.predict(a, archive)
		rep := evaluation.OneSided(preds)
		res.Evaluation = &rep
		metrics.EvaluationMetric.WithLabelValues("precision").Set(rep.Precision)
		metrics.EvaluationMetric.WithLabelValues("recall").Set(rep.Recall)
		metrics.EvaluationMetric.WithLabelValues("f1_score").Set(rep.F1)
	}
	res.Duration = time.Since(start)
	metrics.Retrains.WithLabelValues("success").Inc()
	metrics.RetrainDuration.Observe(res.Duration.Seconds())

	run := r.newRun(a)
	if res.Evaluation != nil {
		for k, v := range res.Evaluation.Metrics() {
			run.Metrics[k] = v
		}
	}
	_ = r.tracker.Record(ctx, run)

	fields := []zap.Field{
		zap.Int("samples", len(training)),
		zap.Int("archive", len(archive)),
		zap.Strings("models", a.ModelIDs()),
		zap.Duration("duration", res.Duration),
	}
	if res.Evaluation != nil {
		fields = append(fields,
			zap.Float64("precision", res.Evaluation.Precision),
			zap.Float64("recall", res.Evaluation.Recall),
			zap.Float64("f1", res.Evaluation.F1))
	}
	r.logger.Info("model retrained", fields...)
	return res, nil
}

// Bootstrap is the initial offline training. In place of an archive it
// reports a pseudo-labelled evaluation on the training set: the lowest
// contamination share of scores are treated as the true anomalies.
func (r *Retrainer) Bootstrap(ctx context.Context, training []models.Sample) (*Result, error) {
	start := time.Now()
	a, err := r.publish(ctx, training)
	if err != nil {
		return nil, err
	}

	primary := a.Scorers[r.cfg.Models[0]]
	scores := make([]float64, 0, len(training))
	preds := make([]models.Label, 0, len(training))
	for _, s := range training {
		vec, err := a.Scaler.Transform(s.Vector())
		if err != nil {
			return nil, err
		}
		score, err := primary.Score(vec)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", primary.Name(), err)
		}
		label, err := primary.Predict(vec)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", primary.Name(), err)
		}
		scores = append(scores, score)
		preds = append(preds, label)
	}
	rep := evaluation.PseudoLabeled(scores, preds, a.Contamination)
	res := &Result{Artifact: a, Evaluation: &rep, Samples: len(training), Duration: time.Since(start)}

	run := r.newRun(a)
	run.Name = "initial_training"
	for k, v := range rep.Metrics() {
		run.Metrics[k] = v
	}
	run.Metrics["roc_auc"] = rep.ROCAUC
	_ = r.tracker.Record(ctx, run)

	r.logger.Info("initial model trained",
		zap.Int("samples", len(training)),
		zap.Int("pseudo_anomalies", rep.TruePositives+rep.FalseNegatives),
		zap.Float64("f1", rep.F1))
	return res, nil
}

func (r *Retrainer) publish(ctx context.Context, training []models.Sample) (*ml.Artifact, error) {
	a, err := r.Fit(training)
	if err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.Save(ctx, a); err != nil {
			return nil, fmt.Errorf("save artifact: %w", err)
		}
	}
	if r.holder != nil {
		r.holder.Store(a)
		metrics.ModelReady.Set(1)
	}
	return a, nil
}

// predict labels archive samples for evaluation. Samples that cannot be
// scored are left out so they do not count as missed anomalies.
func (r *Retrainer) predict(a *ml.Artifact, samples []models.Sample) []models.Label {
	out := make([]models.Label, 0, len(samples))
	var skipped int
	var firstErr error
	for _, s := range samples {
		label, err := r.label(a, s)
		if err != nil {
			skipped++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, label)
	}
	if skipped > 0 {
		r.logger.Warn("evaluation samples skipped",
			zap.Int("skipped", skipped),
			zap.Int("total", len(samples)),
			zap.Error(firstErr))
	}
	return out
}

func (r *Retrainer) label(a *ml.Artifact, s models.Sample) (models.Label, error) {
	vec, err := a.Scaler.Transform(s.Vector())
	if err != nil {
		return models.LabelNormal, fmt.Errorf("scale sample: %w", err)
	}
	if r.combiner != nil {
		d, err := r.combiner.Decide(s, vec, a.Scorers)
		if err != nil {
			return models.LabelNormal, fmt.Errorf("ensemble: %w", err)
		}
		for _, v := range d.Votes {
			if v.HasLabel || v.HasScore {
				return d.Label, nil
			}
		}
		return models.LabelNormal, fmt.Errorf("ensemble: no scorer produced a vote")
	}
	primary := a.Scorers[r.cfg.Models[0]]
	label, err := primary.Predict(vec)
	if err != nil {
		return models.LabelNormal, fmt.Errorf("predict %s: %w", primary.Name(), err)
	}
	return label, nil
}

func (r *Retrainer) newRun(a *ml.Artifact) tracking.Run {
	run := tracking.NewRun(r.cfg.Experiment, a.TrainedAt)
	run.Params["model_type"] = strings.Join(r.cfg.Models, ",")
	run.Params["contamination"] = strconv.FormatFloat(a.Contamination, 'f', -1, 64)
	run.Params["n_estimators"] = strconv.Itoa(r.cfg.Params.NumTrees)
	run.Params["retrain_samples"] = strconv.Itoa(a.SampleCount)
	return run
}

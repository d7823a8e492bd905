package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/gate"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/validation"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
	"github.com/kubilitics/kubilitics-sentinel/internal/source"
)

// DefaultPollInterval is the loop cadence.
const DefaultPollInterval = 10 * time.Second

// LoopState is everything carried from one iteration to the next.
type LoopState struct {
	Gate        gate.State       `json:"gate"`
	Net         source.NetCursor `json:"net"`
	LastRetrain time.Time        `json:"last_retrain"`
	Iteration   uint64           `json:"iteration"`
}

// StepResult describes what one iteration did.
type StepResult struct {
	Outcome    string                   `json:"outcome"`
	Sample     *models.Sample           `json:"sample,omitempty"`
	Decision   *models.EnsembleDecision `json:"decision,omitempty"`
	Raw        models.Label             `json:"raw_label"`
	Alert      bool                     `json:"alert"`
	Routed     string                   `json:"routed,omitempty"`
	Retrained  bool                     `json:"retrained"`
	Evaluation *evaluation.Report       `json:"evaluation,omitempty"`
	Problems   []string                 `json:"problems,omitempty"`
}

// Status is a point-in-time view of the loop for the admin API.
type Status struct {
	Iteration      uint64             `json:"iteration"`
	Phase          gate.Phase         `json:"phase"`
	GateCount      int                `json:"gate_count"`
	Gate           gate.Gate          `json:"gate"`
	Strategy       string             `json:"strategy"`
	ModelReady     bool               `json:"model_ready"`
	Models         []string           `json:"models,omitempty"`
	ModelTrainedAt *time.Time         `json:"model_trained_at,omitempty"`
	TrainingSize   int                `json:"training_buffer"`
	ArchiveSize    int                `json:"anomaly_archive"`
	LastRetrain    time.Time          `json:"last_retrain"`
	LastResult     *StepResult        `json:"last_result,omitempty"`
	LastEvaluation *evaluation.Report `json:"last_evaluation,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// DetectorOptions wires a Detector. Reader, Writer, Combiner, Holder,
// Buffers and Retrainer are required.
type DetectorOptions struct {
	Reader       *source.Reader
	Writer       source.Writer
	Combiner     *ensemble.Combiner
	Holder       *ml.Holder
	Buffers      *Buffers
	Retrainer    *Retrainer
	Gate         gate.Gate
	PollInterval time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Detector runs the poll, score, gate, persist, route, retrain loop.
type Detector struct {
	reader    *source.Reader
	writer    source.Writer
	combiner  *ensemble.Combiner
	holder    *ml.Holder
	buffers   *Buffers
	retrainer *Retrainer
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	gate   gate.Gate
	status Status
}

// NewDetector validates opts and returns a detector.
func NewDetector(opts DetectorOptions) (*Detector, error) {
	switch {
	case opts.Reader == nil:
		return nil, errors.New("detector: reader is required")
	case opts.Writer == nil:
		return nil, errors.New("detector: writer is required")
	case opts.Combiner == nil:
		return nil, errors.New("detector: combiner is required")
	case opts.Holder == nil:
		return nil, errors.New("detector: holder is required")
	case opts.Buffers == nil:
		return nil, errors.New("detector: buffers are required")
	case opts.Retrainer == nil:
		return nil, errors.New("detector: retrainer is required")
	}
	if opts.Gate.Threshold < 1 {
		return nil, fmt.Errorf("detector: gate threshold must be >= 1, got %d", opts.Gate.Threshold)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	d := &Detector{
		reader:    opts.Reader,
		writer:    opts.Writer,
		combiner:  opts.Combiner,
		holder:    opts.Holder,
		buffers:   opts.Buffers,
		retrainer: opts.Retrainer,
		interval:  opts.PollInterval,
		logger:    opts.Logger.Named("detector"),
		now:       opts.Clock,
		gate:      opts.Gate,
	}
	d.publish(d.NewState(), nil)
	return d, nil
}

// NewState returns the state for a fresh process. The retrain timer starts
// now, so the first retrain happens no sooner than one interval after start.
func (d *Detector) NewState() LoopState {
	return LoopState{LastRetrain: d.now()}
}

// SetGate replaces the gate thresholds from the next iteration on.
func (d *Detector) SetGate(g gate.Gate) error {
	if g.Threshold < 1 {
		return fmt.Errorf("gate threshold must be >= 1, got %d", g.Threshold)
	}
	d.mu.Lock()
	d.gate = g
	d.mu.Unlock()
	return nil
}

// Snapshot returns the latest status.
func (d *Detector) Snapshot() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Run steps once immediately and then on every tick until ctx is done.
// Iterations never overlap: a slow step delays the next tick.
func (d *Detector) Run(ctx context.Context, st LoopState) LoopState {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("detection loop started", zap.Duration("interval", d.interval))
	st = d.tick(ctx, st)
	for {
		select {
		case <-ticker.C:
			st = d.tick(ctx, st)
		case <-ctx.Done():
			d.logger.Info("detection loop stopped", zap.Uint64("iterations", st.Iteration))
			return st
		}
	}
}

func (d *Detector) tick(ctx context.Context, st LoopState) LoopState {
	start := time.Now()
	next, res, err := d.Step(ctx, st)
	metrics.LoopDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		d.logger.Warn("iteration failed", zap.Uint64("iteration", next.Iteration), zap.Error(err))
	}
	d.logger.Debug("iteration",
		zap.Uint64("iteration", next.Iteration),
		zap.String("outcome", res.Outcome),
		zap.Bool("alert", res.Alert),
		zap.Int("gate_count", next.Gate.Count))
	return next
}

// Step runs one iteration: read, score, gate, write the prediction point,
// route the sample, retrain if due. A missing or invalid sample, or a failed
// write, ends the iteration early with the gate untouched. The returned error is non-nil
// only for failures worth logging; state is always safe to carry forward.
func (d *Detector) Step(ctx context.Context, st LoopState) (LoopState, StepResult, error) {
	st.Iteration++
	d.mu.RLock()
	g := d.gate
	d.mu.RUnlock()

	var res StepResult
	defer func() {
		metrics.LoopIterations.WithLabelValues(res.Outcome).Inc()
		d.publish(st, &res)
	}()

	sample, cur, err := d.reader.Read(ctx, st.Net)
	st.Net = cur
	if err != nil {
		res.Outcome = metrics.ResultNoData
		if errors.Is(err, source.ErrNoData) {
			d.logger.Debug("no data", zap.Error(err))
			return st, res, nil
		}
		return st, res, err
	}
	res.Sample = &sample
	if problems := validation.ValidateSample(sample); len(problems) > 0 {
		res.Outcome = metrics.ResultInvalid
		res.Problems = problems
		d.logger.Warn("invalid sample skipped", zap.Strings("problems", problems))
		return st, res, nil
	}

	raw, decision, err := d.score(sample)
	if err != nil {
		res.Outcome = metrics.ResultError
		return st, res, err
	}
	res.Raw, res.Decision = raw, decision
	if raw.IsAnomaly() {
		metrics.RawAnomalies.Inc()
	}

	// The gate only advances once the point carrying its verdict is written.
	nextGate, alert := g.Step(st.Gate, raw.IsAnomaly(), sample)
	if err := d.writer.WritePoint(ctx, source.PredictionPoint(sample, alert, sample.Timestamp)); err != nil {
		res.Outcome = metrics.ResultError
		return st, res, fmt.Errorf("write prediction: %w", err)
	}
	st.Gate, res.Alert = nextGate, alert
	metrics.GateCounter.Set(float64(st.Gate.Count))
	if res.Alert {
		metrics.Alerts.Inc()
		d.logger.Warn("anomaly alert",
			zap.Float64("cpu", sample.CPU),
			zap.Float64("memory", sample.Memory),
			zap.Float64("network", sample.Network),
			zap.Int("consecutive", st.Gate.Count))
	}
	res.Outcome = metrics.ResultScored

	routed, err := d.buffers.Route(ctx, sample, raw)
	res.Routed = routed
	if err != nil {
		d.logger.Warn("buffer persistence failed", zap.String("buffer", routed), zap.Error(err))
	}
	metrics.BufferSize.WithLabelValues(db.BufferTraining).Set(float64(d.buffers.Training.Len()))
	metrics.BufferSize.WithLabelValues(db.BufferArchive).Set(float64(d.buffers.Archive.Len()))

	now := d.now()
	if d.retrainer.Due(d.buffers.Training.Len(), now, st.LastRetrain) {
		st.LastRetrain = now
		out, err := d.retrainer.Retrain(ctx, d.buffers.Training.Items(), d.buffers.Archive.Items())
		if err != nil {
			return st, res, fmt.Errorf("retrain: %w", err)
		}
		res.Retrained = true
		res.Evaluation = out.Evaluation
	}
	return st, res, nil
}

// score returns the raw label. Without a loaded artifact every sample is
// normal so the training buffer can fill for the first retrain.
func (d *Detector) score(s models.Sample) (models.Label, *models.EnsembleDecision, error) {
	a := d.holder.Load()
	if a == nil {
		return models.LabelNormal, nil, nil
	}
	vec, err := a.Scaler.Transform(s.Vector())
	if err != nil {
		return models.LabelNormal, nil, fmt.Errorf("scale sample: %w", err)
	}
	dec, err := d.combiner.Decide(s, vec, a.Scorers)
	if err != nil {
		return models.LabelNormal, nil, fmt.Errorf("ensemble: %w", err)
	}
	for id, v := range dec.Votes {
		if v.Err != "" {
			metrics.ScorerFailures.WithLabelValues(id).Inc()
		}
	}
	metrics.EnsembleScore.Set(dec.Score)
	return dec.Label, &dec, nil
}

func (d *Detector) publish(st LoopState, res *StepResult) {
	a := d.holder.Load()

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &d.status
	s.Iteration = st.Iteration
	s.GateCount = st.Gate.Count
	s.Gate = d.gate
	s.Phase = d.gate.Phase(st.Gate)
	s.Strategy = d.combiner.Strategy()
	s.TrainingSize = d.buffers.Training.Len()
	s.ArchiveSize = d.buffers.Archive.Len()
	s.LastRetrain = st.LastRetrain
	s.ModelReady = a != nil
	s.Models, s.ModelTrainedAt = nil, nil
	if a != nil {
		s.Models = a.ModelIDs()
		trained := a.TrainedAt
		s.ModelTrainedAt = &trained
	}
	if res != nil {
		r := *res
		s.LastResult = &r
		if res.Evaluation != nil {
			s.LastEvaluation = res.Evaluation
		}
	}
	s.UpdatedAt = d.now()
}

package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Strategy names.
const (
	StrategyHard     = "hard"
	StrategySoft     = "soft"
	StrategyWeighted = "weighted"
)

var (
	ErrUnknownStrategy = errors.New("unknown ensemble strategy")
	ErrNoScorers       = errors.New("ensemble has no scorers")
	ErrThresholdRange  = errors.New("threshold must be between 0 and 1")
)

// DefaultWeights are the static weights used by the weighted strategy.
var DefaultWeights = map[string]float64{
	ml.ModelIsolationForest:  0.40,
	ml.ModelEllipticEnvelope: 0.35,
	ml.ModelLOF:              0.25,
}

// StrategyInfo describes a combination strategy.
type StrategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Threshold   string `json:"threshold"`
}

var strategies = []StrategyInfo{
	{
		Name:        StrategyHard,
		Description: "majority voting; ensemble score is the fraction of scorers voting anomaly",
		Threshold:   "anomaly when at least 2/3 of votes are anomaly",
	},
	{
		Name:        StrategySoft,
		Description: "mean of |score| normalised by the largest |score| in the call",
		Threshold:   "anomaly when the mean reaches the configured threshold",
	},
	{
		Name:        StrategyWeighted,
		Description: "weighted mean of |score| normalised by the largest |score| in the call",
		Threshold:   "anomaly when the weighted mean reaches the configured threshold",
	},
}

// Strategies lists the supported strategies.
func Strategies() []StrategyInfo {
	return append([]StrategyInfo(nil), strategies...)
}

// Combiner merges per-scorer outcomes into one decision.
type Combiner struct {
	strategy string
	weights  map[string]float64

	mu        sync.RWMutex
	threshold float64
}

// NewCombiner validates the strategy and threshold. A nil weights map uses
// DefaultWeights.
func NewCombiner(strategy string, threshold float64, weights map[string]float64) (*Combiner, error) {
	switch strategy {
	case StrategyHard, StrategySoft, StrategyWeighted:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	if weights == nil {
		weights = DefaultWeights
	}
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Combiner{strategy: strategy, weights: w, threshold: threshold}, nil
}

// Strategy returns the configured strategy name.
func (c *Combiner) Strategy() string { return c.strategy }

// Threshold returns the decision threshold used by soft and weighted voting.
func (c *Combiner) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// SetThreshold updates the soft/weighted decision threshold.
func (c *Combiner) SetThreshold(t float64) error {
	if err := checkThreshold(t); err != nil {
		return err
	}
	c.mu.Lock()
	c.threshold = t
	c.mu.Unlock()
	return nil
}

func checkThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("%w: got %v", ErrThresholdRange, t)
	}
	return nil
}

// Decide scores vec, the scaled form of sample, with every scorer and
// combines the results. Each vote carries sample in raw units. A scorer
// that fails is recorded in Votes with Err set and left out of the
// aggregate.
func (c *Combiner) Decide(sample models.Sample, vec []float64, scorers map[string]ml.Scorer) (models.EnsembleDecision, error) {
	if len(vec) != models.FeatureCount {
		return models.EnsembleDecision{}, fmt.Errorf("%w: expected %d, got %d", ml.ErrFeatureCount, models.FeatureCount, len(vec))
	}
	if len(scorers) == 0 {
		return models.EnsembleDecision{}, ErrNoScorers
	}

	ids := make([]string, 0, len(scorers))
	for id := range scorers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	votes := make(map[string]models.ScoredSample, len(ids))
	for _, id := range ids {
		votes[id] = vote(scorers[id], vec, sample)
	}

	d := models.EnsembleDecision{Strategy: c.strategy, Votes: votes}
	switch c.strategy {
	case StrategyHard:
		d.Score, d.Label = hard(ids, votes)
	case StrategySoft:
		d.Score = soft(ids, votes)
		d.Label = c.labelAt(d.Score)
	case StrategyWeighted:
		d.Score = c.weighted(ids, votes)
		d.Label = c.labelAt(d.Score)
	}
	return d, nil
}

func vote(s ml.Scorer, vec []float64, sample models.Sample) (v models.ScoredSample) {
	v.Sample = sample
	defer func() {
		if r := recover(); r != nil {
			v.HasLabel, v.HasScore = false, false
			v.Err = fmt.Sprintf("panic: %v", r)
		}
	}()

	var errs []string
	if label, err := s.Predict(vec); err != nil {
		errs = append(errs, "predict: "+err.Error())
	} else {
		v.Label, v.HasLabel = label, true
	}
	if score, err := s.Score(vec); err != nil {
		errs = append(errs, "score: "+err.Error())
	} else if math.IsNaN(score) || math.IsInf(score, 0) {
		errs = append(errs, fmt.Sprintf("score: non-finite value %v", score))
	} else {
		v.Score, v.HasScore = score, true
	}
	v.Err = strings.Join(errs, "; ")
	return v
}

func (c *Combiner) labelAt(score float64) models.Label {
	if score >= c.Threshold() {
		return models.LabelAnomaly
	}
	return models.LabelNormal
}

// hard labels an anomaly when at least two thirds of the votes cast say so.
func hard(ids []string, votes map[string]models.ScoredSample) (float64, models.Label) {
	var total, anomalies int
	for _, id := range ids {
		v := votes[id]
		if !v.HasLabel {
			continue
		}
		total++
		if v.Label.IsAnomaly() {
			anomalies++
		}
	}
	if total == 0 {
		return 0, models.LabelNormal
	}
	score := float64(anomalies) / float64(total)
	if 3*anomalies >= 2*total {
		return score, models.LabelAnomaly
	}
	return score, models.LabelNormal
}

func maxAbs(ids []string, votes map[string]models.ScoredSample) (float64, int) {
	m, n := 0.0, 0
	for _, id := range ids {
		v := votes[id]
		if !v.HasScore {
			continue
		}
		n++
		if a := math.Abs(v.Score); a > m {
			m = a
		}
	}
	if m == 0 {
		m = 1
	}
	return m, n
}

func soft(ids []string, votes map[string]models.ScoredSample) float64 {
	m, n := maxAbs(ids, votes)
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, id := range ids {
		if v := votes[id]; v.HasScore {
			sum += math.Abs(v.Score) / m
		}
	}
	return sum / float64(n)
}

func (c *Combiner) weighted(ids []string, votes map[string]models.ScoredSample) float64 {
	m, n := maxAbs(ids, votes)
	if n == 0 {
		return 0
	}
	fallback := 1 / float64(len(ids))
	var sum, weights float64
	for _, id := range ids {
		v := votes[id]
		if !v.HasScore {
			continue
		}
		w, ok := c.weights[id]
		if !ok {
			w = fallback
		}
		sum += w * math.Abs(v.Score)
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights / m
}

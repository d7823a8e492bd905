package ml

import (
	"encoding/json"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Model identifiers known to DefaultRegistry.
const (
	ModelIsolationForest  = "isolation_forest"
	ModelEllipticEnvelope = "elliptic_envelope"
	ModelLOF              = "lof"
)

// Scorer is the capability set every pluggable anomaly model provides.
//
// Score follows the "more negative is more anomalous" convention; scales are
// model specific and not comparable across scorers. Predict flags a vector
// as anomalous when its score falls below the contamination quantile of the
// training scores.
type Scorer interface {
	Name() string
	Fit(batch [][]float64) error
	Predict(vec []float64) (models.Label, error)
	Score(vec []float64) (float64, error)
}

// Params carries the hyperparameters shared by registry factories.
type Params struct {
	Contamination   float64
	Seed            int64
	NumTrees        int
	SampleSize      int
	LOFNeighbors    int
	LOFNovelty      bool
	SupportFraction float64
}

// DefaultParams mirrors the values used by the production training job.
func DefaultParams() Params {
	return Params{
		Contamination:   0.05,
		Seed:            42,
		NumTrees:        100,
		SampleSize:      256,
		LOFNeighbors:    20,
		LOFNovelty:      true,
		SupportFraction: 0.95,
	}
}

// Factory builds an unfitted scorer.
type Factory func(p Params) Scorer

// Registry maps model ids to factories. It is populated explicitly at
// startup; nothing is discovered from the filesystem.
type Registry struct {
	factories map[string]Factory
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the isolation, envelope and
// density scorers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ModelIsolationForest, func(p Params) Scorer { return NewIsolationForest(p) })
	r.Register(ModelEllipticEnvelope, func(p Params) Scorer { return NewEllipticEnvelope(p) })
	r.Register(ModelLOF, func(p Params) Scorer { return NewLocalOutlierFactor(p) })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(id string, f Factory) {
	if _, ok := r.factories[id]; !ok {
		r.order = append(r.order, id)
	}
	r.factories[id] = f
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.factories[id]
	return ok
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// New constructs an unfitted scorer for id.
func (r *Registry) New(id string, p Params) (Scorer, error) {
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return f(p), nil
}

// Decode rebuilds a fitted scorer from its persisted state.
func (r *Registry) Decode(id string, state json.RawMessage) (Scorer, error) {
	s, err := r.New(id, DefaultParams())
	if err != nil {
		return nil, err
	}
	u, ok := s.(json.Unmarshaler)
	if !ok {
		return nil, fmt.Errorf("model %q is not serialisable", id)
	}
	if err := u.UnmarshalJSON(state); err != nil {
		return nil, fmt.Errorf("decode %q: %w", id, err)
	}
	return s, nil
}

// contaminationOffset returns the score below which a training sample counts
// as an outlier, i.e. the contamination quantile of the training scores.
func contaminationOffset(scores []float64, contamination float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	if contamination <= 0 {
		return sorted[0]
	}
	return stat.Quantile(contamination, stat.LinInterp, sorted, nil)
}

func labelFor(score, offset float64) models.Label {
	if score < offset {
		return models.LabelAnomaly
	}
	return models.LabelNormal
}

func checkWidth(vec []float64, width int) error {
	if width == 0 {
		return ErrNotFitted
	}
	if len(vec) != width {
		return fmt.Errorf("%w: expected %d, got %d", ErrFeatureCount, width, len(vec))
	}
	return nil
}

func batchWidth(batch [][]float64) (int, error) {
	if len(batch) == 0 {
		return 0, ErrEmptyBatch
	}
	w := len(batch[0])
	for i, row := range batch {
		if len(row) != w {
			return 0, fmt.Errorf("row %d: %w", i, ErrFeatureCount)
		}
	}
	if w == 0 {
		return 0, ErrFeatureCount
	}
	return w, nil
}

package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Artifact is a fitted scaler plus the scorers trained on its output.
// It is never mutated after construction; retraining builds a new one.
// Generation ties the two persisted blobs together.
type Artifact struct {
	Generation    string
	Scaler        *Scaler
	Scorers       map[string]Scorer
	TrainedAt     time.Time
	Contamination float64
	SampleCount   int
}

// ModelIDs returns the scorer ids in sorted order.
func (a *Artifact) ModelIDs() []string {
	ids := make([]string, 0, len(a.Scorers))
	for id := range a.Scorers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type modelEntry struct {
	Kind  string          `json:"kind"`
	State json.RawMessage `json:"state"`
}

type scorerBundle struct {
	Generation    string       `json:"generation"`
	Models        []modelEntry `json:"models"`
	TrainedAt     time.Time    `json:"trained_at"`
	Contamination float64      `json:"contamination"`
	SampleCount   int          `json:"sample_count"`
}

type scalerBlob struct {
	Generation string    `json:"generation"`
	Mean       []float64 `json:"mean"`
	Scale      []float64 `json:"scale"`
}

// Stamp identifies the training that produced a scorer blob.
type Stamp struct {
	Generation string
	TrainedAt  time.Time
}

// NewGeneration returns a fresh generation id.
func NewGeneration() string { return uuid.NewString() }

// Encode serialises the artifact into the two persisted blobs, scorer and
// scaler. Both carry the same generation; an artifact without one gets a
// fresh id for this encoding.
func (a *Artifact) Encode() (scorer, scaler []byte, err error) {
	if a.Scaler == nil || !a.Scaler.Fitted() {
		return nil, nil, fmt.Errorf("encode scaler: %w", ErrNotFitted)
	}
	if len(a.Scorers) == 0 {
		return nil, nil, errors.New("encode artifact: no scorers")
	}
	gen := a.Generation
	if gen == "" {
		gen = NewGeneration()
	}
	bundle := scorerBundle{
		Generation:    gen,
		TrainedAt:     a.TrainedAt.UTC(),
		Contamination: a.Contamination,
		SampleCount:   a.SampleCount,
	}
	for _, id := range a.ModelIDs() {
		m, ok := a.Scorers[id].(json.Marshaler)
		if !ok {
			return nil, nil, fmt.Errorf("encode %q: model is not serialisable", id)
		}
		state, err := m.MarshalJSON()
		if err != nil {
			return nil, nil, fmt.Errorf("encode %q: %w", id, err)
		}
		bundle.Models = append(bundle.Models, modelEntry{Kind: id, State: state})
	}
	if scorer, err = json.Marshal(bundle); err != nil {
		return nil, nil, err
	}
	if scaler, err = json.Marshal(scalerBlob{Generation: gen, Mean: a.Scaler.mean, Scale: a.Scaler.scale}); err != nil {
		return nil, nil, err
	}
	return scorer, scaler, nil
}

// ReadStamp returns the generation and training time recorded in a scorer
// blob without decoding the models.
func ReadStamp(scorer []byte) (Stamp, error) {
	var head struct {
		Generation string    `json:"generation"`
		TrainedAt  time.Time `json:"trained_at"`
	}
	if err := json.Unmarshal(scorer, &head); err != nil {
		return Stamp{}, fmt.Errorf("decode scorer bundle: %w", err)
	}
	return Stamp{Generation: head.Generation, TrainedAt: head.TrainedAt}, nil
}

// DecodeArtifact rebuilds an artifact from its persisted blobs. Model kinds
// are resolved through reg. Blobs from different generations are rejected
// with ErrGenerationMismatch.
func DecodeArtifact(reg *Registry, scorer, scaler []byte) (*Artifact, error) {
	var bundle scorerBundle
	if err := json.Unmarshal(scorer, &bundle); err != nil {
		return nil, fmt.Errorf("decode scorer bundle: %w", err)
	}
	if len(bundle.Models) == 0 {
		return nil, errors.New("decode scorer bundle: no models")
	}
	var blob scalerBlob
	if err := json.Unmarshal(scaler, &blob); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if len(blob.Mean) != len(blob.Scale) {
		return nil, fmt.Errorf("decode scaler: mean/scale length mismatch %d != %d", len(blob.Mean), len(blob.Scale))
	}
	sc := &Scaler{mean: blob.Mean, scale: blob.Scale}
	if !sc.Fitted() {
		return nil, fmt.Errorf("decode scaler: %w", ErrNotFitted)
	}
	if blob.Generation != bundle.Generation {
		return nil, fmt.Errorf("%w: scorer %q, scaler %q", ErrGenerationMismatch, bundle.Generation, blob.Generation)
	}

	art := &Artifact{
		Generation:    bundle.Generation,
		Scaler:        sc,
		Scorers:       make(map[string]Scorer, len(bundle.Models)),
		TrainedAt:     bundle.TrainedAt,
		Contamination: bundle.Contamination,
		SampleCount:   bundle.SampleCount,
	}
	for _, m := range bundle.Models {
		s, err := reg.Decode(m.Kind, m.State)
		if err != nil {
			return nil, err
		}
		art.Scorers[m.Kind] = s
	}
	return art, nil
}

// Holder publishes the current artifact. Readers never observe a scaler from
// one training cycle paired with scorers from another.
type Holder struct {
	p atomic.Pointer[Artifact]
}

// Load returns the current artifact, or nil if none has been published.
func (h *Holder) Load() *Artifact { return h.p.Load() }

// Store publishes a.
func (h *Holder) Store(a *Artifact) { h.p.Store(a) }

// Ready reports whether an artifact is available.
func (h *Holder) Ready() bool { return h.p.Load() != nil }

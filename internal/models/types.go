// Package models defines the telemetry types shared by the detection loop.
//
// A Sample is one poll of the metric source. Scorers turn it into a
// ScoredSample, the ensemble merges those into an EnsembleDecision, and the
// loop writes a Point back to the time-series store.
package models

import (
	"encoding/json"
	"time"
)

// Feature names in vector order.
const (
	FeatureCPU     = "cpu_usage"
	FeatureMemory  = "memory_usage"
	FeatureNetwork = "network_load"
)

// FeatureCount is the fixed length of every feature vector.
const FeatureCount = 3

// FeatureNames lists features in the order used by Sample.Vector.
var FeatureNames = []string{FeatureCPU, FeatureMemory, FeatureNetwork}

// Label is the binary outcome of a scorer or the ensemble.
type Label int

const (
	LabelNormal  Label = 0
	LabelAnomaly Label = 1
)

// String returns "normal" or "anomaly".
func (l Label) String() string {
	if l == LabelAnomaly {
		return "anomaly"
	}
	return "normal"
}

// IsAnomaly reports whether the label is LabelAnomaly.
func (l Label) IsAnomaly() bool { return l == LabelAnomaly }

// MarshalJSON encodes the label as its string form.
func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts "normal"/"anomaly" or 0/1.
func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "anomaly" {
			*l = LabelAnomaly
		} else {
			*l = LabelNormal
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n == 1 {
		*l = LabelAnomaly
	} else {
		*l = LabelNormal
	}
	return nil
}

// Sample is one reading of host telemetry. Immutable once read.
type Sample struct {
	CPU       float64   `json:"cpu_usage"`    // percent, 0-100
	Memory    float64   `json:"memory_usage"` // percent, 0-100
	Network   float64   `json:"network_load"` // bytes/sec, >= 0
	Timestamp time.Time `json:"timestamp"`
}

// Vector returns the features as [cpu, memory, network].
func (s Sample) Vector() []float64 {
	return []float64{s.CPU, s.Memory, s.Network}
}

// SampleFromVector builds a Sample from a [cpu, memory, network] vector.
func SampleFromVector(vec []float64, ts time.Time) Sample {
	s := Sample{Timestamp: ts}
	if len(vec) > 0 {
		s.CPU = vec[0]
	}
	if len(vec) > 1 {
		s.Memory = vec[1]
	}
	if len(vec) > 2 {
		s.Network = vec[2]
	}
	return s
}

// ScoredSample is a Sample as seen by a single scorer.
// Err is set when the scorer failed; Label and Score are then meaningless.
type ScoredSample struct {
	Sample
	Label    Label   `json:"label"`
	Score    float64 `json:"score"`
	HasLabel bool    `json:"-"`
	HasScore bool    `json:"-"`
	Err      string  `json:"error,omitempty"`
}

// EnsembleDecision is the merged outcome across all scorers.
type EnsembleDecision struct {
	Score    float64                 `json:"ensemble_score"`
	Label    Label                   `json:"label"`
	Strategy string                  `json:"strategy"`
	Votes    map[string]ScoredSample `json:"per_model_votes"`
}

// Point is a single time-series point, used both for source reads and
// prediction writes.
type Point struct {
	Measurement string             `json:"measurement"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// Field returns a field value and whether it was present.
func (p *Point) Field(name string) (float64, bool) {
	if p == nil || p.Fields == nil {
		return 0, false
	}
	v, ok := p.Fields[name]
	return v, ok
}

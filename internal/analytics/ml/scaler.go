package ml

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardises features with (x-mean)/std using parameters from the
// last fit. A fitted Scaler is never mutated; re-fitting produces a new one.
type Scaler struct {
	mean  []float64
	scale []float64
}

// FitScaler computes per-feature population mean and standard deviation.
// Zero-variance features get a scale of 1 so Transform never divides by zero.
func FitScaler(batch [][]float64) (*Scaler, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	width := len(batch[0])
	if width == 0 {
		return nil, ErrFeatureCount
	}

	col := make([]float64, len(batch))
	s := &Scaler{mean: make([]float64, width), scale: make([]float64, width)}
	for j := 0; j < width; j++ {
		for i, row := range batch {
			if len(row) != width {
				return nil, fmt.Errorf("row %d: %w", i, ErrFeatureCount)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		s.mean[j] = mean
		s.scale[j] = std
	}
	return s, nil
}

// Fitted reports whether the scaler holds parameters.
func (s *Scaler) Fitted() bool {
	return s != nil && len(s.mean) > 0
}

// Width returns the number of features the scaler was fitted on.
func (s *Scaler) Width() int {
	if s == nil {
		return 0
	}
	return len(s.mean)
}

// Transform standardises a single vector.
func (s *Scaler) Transform(vec []float64) ([]float64, error) {
	if !s.Fitted() {
		return nil, ErrNotFitted
	}
	if len(vec) != len(s.mean) {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrFeatureCount, len(s.mean), len(vec))
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = (v - s.mean[i]) / s.scale[i]
	}
	return out, nil
}

// TransformBatch standardises every row of batch.
func (s *Scaler) TransformBatch(batch [][]float64) ([][]float64, error) {
	out := make([][]float64, len(batch))
	for i, row := range batch {
		t, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// Mean returns a copy of the fitted means.
func (s *Scaler) Mean() []float64 { return append([]float64(nil), s.mean...) }

// Scale returns a copy of the fitted standard deviations.
func (s *Scaler) Scale() []float64 { return append([]float64(nil), s.scale...) }

type scalerState struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// MarshalJSON implements json.Marshaler.
func (s *Scaler) MarshalJSON() ([]byte, error) {
	return json.Marshal(scalerState{Mean: s.mean, Scale: s.scale})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scaler) UnmarshalJSON(data []byte) error {
	var st scalerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Mean) != len(st.Scale) {
		return fmt.Errorf("scaler: mean/scale length mismatch %d != %d", len(st.Mean), len(st.Scale))
	}
	s.mean, s.scale = st.Mean, st.Scale
	return nil
}

package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

const (
	envelopeMaxSteps = 30
	envelopeRidge    = 1e-9
)

// EllipticEnvelope fits a robust Gaussian to the training data and scores
// points by negative squared Mahalanobis distance.
//
// The location and scatter come from concentration steps over the
// SupportFraction of points closest to the current estimate.
type EllipticEnvelope struct {
	params Params

	width     int
	mean      []float64
	precision *mat.SymDense
	offset    float64
}

// NewEllipticEnvelope returns an unfitted envelope.
func NewEllipticEnvelope(p Params) *EllipticEnvelope {
	return &EllipticEnvelope{params: p}
}

func (e *EllipticEnvelope) Name() string { return ModelEllipticEnvelope }

func (e *EllipticEnvelope) Fit(batch [][]float64) error {
	w, err := batchWidth(batch)
	if err != nil {
		return err
	}
	if len(batch) < 2 {
		return fmt.Errorf("elliptic envelope needs at least 2 rows, got %d", len(batch))
	}

	support := e.params.SupportFraction
	if support <= 0 || support > 1 {
		support = 0.95
	}
	h := int(math.Ceil(support * float64(len(batch))))
	if h < w+1 {
		h = w + 1
	}
	if h > len(batch) {
		h = len(batch)
	}

	subset := batch
	mean, prec, logDet, err := estimate(subset, w)
	if err != nil {
		return err
	}
	for step := 0; step < envelopeMaxSteps && h < len(batch); step++ {
		subset = closest(batch, mean, prec, h)
		m, p, ld, err := estimate(subset, w)
		if err != nil {
			return err
		}
		improved := ld < logDet-1e-12
		mean, prec, logDet = m, p, ld
		if !improved {
			break
		}
	}

	e.width = w
	e.mean = mean
	e.precision = prec

	scores := make([]float64, len(batch))
	for i, row := range batch {
		scores[i] = -mahalanobis(row, mean, prec)
	}
	e.offset = contaminationOffset(scores, e.params.Contamination)
	return nil
}

func (e *EllipticEnvelope) Score(vec []float64) (float64, error) {
	if e.precision == nil {
		return 0, ErrNotFitted
	}
	if err := checkWidth(vec, e.width); err != nil {
		return 0, err
	}
	return -mahalanobis(vec, e.mean, e.precision), nil
}

func (e *EllipticEnvelope) Predict(vec []float64) (models.Label, error) {
	s, err := e.Score(vec)
	if err != nil {
		return models.LabelNormal, err
	}
	return labelFor(s, e.offset), nil
}

// Location returns a copy of the robust mean.
func (e *EllipticEnvelope) Location() []float64 {
	return append([]float64(nil), e.mean...)
}

// estimate returns the mean, precision matrix and log-determinant of the
// covariance of rows. A small ridge is added when the covariance is singular.
func estimate(rows [][]float64, w int) ([]float64, *mat.SymDense, float64, error) {
	data := mat.NewDense(len(rows), w, nil)
	for i, row := range rows {
		data.SetRow(i, row)
	}
	mean := make([]float64, w)
	for j := 0; j < w; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, data), nil)
	}
	cov := mat.NewSymDense(w, nil)
	stat.CovarianceMatrix(cov, data, nil)

	ridge := envelopeRidge
	for attempt := 0; attempt < 12; attempt++ {
		var chol mat.Cholesky
		if chol.Factorize(cov) {
			prec := mat.NewSymDense(w, nil)
			if err := chol.InverseTo(prec); err == nil {
				return mean, prec, chol.LogDet(), nil
			}
		}
		for j := 0; j < w; j++ {
			cov.SetSym(j, j, cov.At(j, j)+ridge)
		}
		ridge *= 10
	}
	return nil, nil, 0, errors.New("elliptic envelope: covariance is not positive definite")
}

// closest returns the h rows with the smallest Mahalanobis distance.
func closest(batch [][]float64, mean []float64, prec *mat.SymDense, h int) [][]float64 {
	type ranked struct {
		d   float64
		row []float64
	}
	all := make([]ranked, len(batch))
	for i, row := range batch {
		all[i] = ranked{d: mahalanobis(row, mean, prec), row: row}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].d < all[j].d })
	out := make([][]float64, h)
	for i := 0; i < h; i++ {
		out[i] = all[i].row
	}
	return out
}

func mahalanobis(vec, mean []float64, prec *mat.SymDense) float64 {
	diff := make([]float64, len(vec))
	for i := range vec {
		diff[i] = vec[i] - mean[i]
	}
	d := mat.NewVecDense(len(diff), diff)
	return mat.Inner(d, prec, d)
}

type envelopeState struct {
	Params    Params    `json:"params"`
	Width     int       `json:"width"`
	Mean      []float64 `json:"mean"`
	Precision []float64 `json:"precision"`
	Offset    float64   `json:"offset"`
}

func (e *EllipticEnvelope) MarshalJSON() ([]byte, error) {
	if e.precision == nil {
		return nil, ErrNotFitted
	}
	flat := make([]float64, 0, e.width*e.width)
	for i := 0; i < e.width; i++ {
		for j := 0; j < e.width; j++ {
			flat = append(flat, e.precision.At(i, j))
		}
	}
	return json.Marshal(envelopeState{
		Params:    e.params,
		Width:     e.width,
		Mean:      e.mean,
		Precision: flat,
		Offset:    e.offset,
	})
}

func (e *EllipticEnvelope) UnmarshalJSON(data []byte) error {
	var st envelopeState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Width == 0 || len(st.Mean) != st.Width || len(st.Precision) != st.Width*st.Width {
		return fmt.Errorf("elliptic envelope state: inconsistent dimensions")
	}
	prec := mat.NewSymDense(st.Width, nil)
	for i := 0; i < st.Width; i++ {
		for j := i; j < st.Width; j++ {
			prec.SetSym(i, j, st.Precision[i*st.Width+j])
		}
	}
	e.params = st.Params
	e.width = st.Width
	e.mean = st.Mean
	e.precision = prec
	e.offset = st.Offset
	return nil
}

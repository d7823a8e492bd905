package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

const lofEpsilon = 1e-10

// LocalOutlierFactor compares the local density around a point with the
// densities around its k nearest training neighbours.
//
// Scoring unseen vectors requires novelty mode. With LOFNovelty false the
// model still fits, but Score and Predict return ErrNoveltyDisabled.
type LocalOutlierFactor struct {
	params Params

	k       int
	width   int
	train   [][]float64
	kdist   []float64
	lrd     []float64
	offset  float64
	novelty bool
}

// NewLocalOutlierFactor returns an unfitted LOF model.
func NewLocalOutlierFactor(p Params) *LocalOutlierFactor {
	return &LocalOutlierFactor{params: p, novelty: p.LOFNovelty}
}

func (l *LocalOutlierFactor) Name() string { return ModelLOF }

func (l *LocalOutlierFactor) Fit(batch [][]float64) error {
	w, err := batchWidth(batch)
	if err != nil {
		return err
	}
	if len(batch) < 2 {
		return fmt.Errorf("lof needs at least 2 rows, got %d", len(batch))
	}
	k := l.params.LOFNeighbors
	if k <= 0 {
		k = 20
	}
	if k > len(batch)-1 {
		k = len(batch) - 1
	}

	train := make([][]float64, len(batch))
	for i, row := range batch {
		train[i] = append([]float64(nil), row...)
	}

	n := len(train)
	neighbours := make([][]neighbour, n)
	kdist := make([]float64, n)
	for i := range train {
		neighbours[i] = nearest(train, train[i], k, i)
		kdist[i] = neighbours[i][k-1].dist
	}

	lrd := make([]float64, n)
	for i := range train {
		lrd[i] = localDensity(neighbours[i], kdist)
	}

	scores := make([]float64, n)
	for i := range train {
		scores[i] = -outlierFactor(neighbours[i], lrd, lrd[i])
	}

	l.k = k
	l.width = w
	l.train = train
	l.kdist = kdist
	l.lrd = lrd
	l.offset = contaminationOffset(scores, l.params.Contamination)
	return nil
}

// Score returns the negated local outlier factor. Inliers sit near -1.
func (l *LocalOutlierFactor) Score(vec []float64) (float64, error) {
	if !l.novelty {
		return 0, ErrNoveltyDisabled
	}
	if l.train == nil {
		return 0, ErrNotFitted
	}
	if err := checkWidth(vec, l.width); err != nil {
		return 0, err
	}
	nb := nearest(l.train, vec, l.k, -1)
	own := localDensity(nb, l.kdist)
	return -outlierFactor(nb, l.lrd, own), nil
}

func (l *LocalOutlierFactor) Predict(vec []float64) (models.Label, error) {
	s, err := l.Score(vec)
	if err != nil {
		return models.LabelNormal, err
	}
	return labelFor(s, l.offset), nil
}

type neighbour struct {
	idx  int
	dist float64
}

// nearest returns the k training rows closest to vec, skipping index skip.
func nearest(train [][]float64, vec []float64, k, skip int) []neighbour {
	all := make([]neighbour, 0, len(train))
	for i, row := range train {
		if i == skip {
			continue
		}
		all = append(all, neighbour{idx: i, dist: euclidean(row, vec)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// localDensity is 1 / (mean reach-distance + ε).
func localDensity(nb []neighbour, kdist []float64) float64 {
	sum := 0.0
	for _, o := range nb {
		sum += math.Max(kdist[o.idx], o.dist)
	}
	return 1 / (sum/float64(len(nb)) + lofEpsilon)
}

func outlierFactor(nb []neighbour, lrd []float64, own float64) float64 {
	sum := 0.0
	for _, o := range nb {
		sum += lrd[o.idx]
	}
	return sum / float64(len(nb)) / own
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

type lofState struct {
	Params  Params      `json:"params"`
	K       int         `json:"k"`
	Width   int         `json:"width"`
	Train   [][]float64 `json:"train"`
	KDist   []float64   `json:"kdist"`
	LRD     []float64   `json:"lrd"`
	Offset  float64     `json:"offset"`
	Novelty bool        `json:"novelty"`
}

func (l *LocalOutlierFactor) MarshalJSON() ([]byte, error) {
	if l.train == nil {
		return nil, ErrNotFitted
	}
	return json.Marshal(lofState{
		Params:  l.params,
		K:       l.k,
		Width:   l.width,
		Train:   l.train,
		KDist:   l.kdist,
		LRD:     l.lrd,
		Offset:  l.offset,
		Novelty: l.novelty,
	})
}

func (l *LocalOutlierFactor) UnmarshalJSON(data []byte) error {
	var st lofState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	n := len(st.Train)
	if n == 0 || st.K <= 0 || len(st.KDist) != n || len(st.LRD) != n {
		return fmt.Errorf("lof state: inconsistent dimensions")
	}
	l.params = st.Params
	l.k = st.K
	l.width = st.Width
	l.train = st.Train
	l.kdist = st.KDist
	l.lrd = st.LRD
	l.offset = st.Offset
	l.novelty = st.Novelty
	return nil
}

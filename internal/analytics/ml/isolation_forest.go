package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// isolationNode is one node of an isolation tree. Trees are stored as flat
// node slices so they serialise without pointers; Left and Right index into
// the owning slice and are -1 on leaves.
type isolationNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"v"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

func (n isolationNode) leaf() bool { return n.Left < 0 }

type isolationTree []isolationNode

// IsolationForest isolates points by random axis-aligned splits. Anomalies
// need fewer splits, so they have shorter average path lengths.
type IsolationForest struct {
	params Params

	trees    []isolationTree
	psi      int
	width    int
	offset   float64
	rng      *rand.Rand
	maxDepth int
}

// NewIsolationForest returns an unfitted forest seeded from p.Seed.
func NewIsolationForest(p Params) *IsolationForest {
	return &IsolationForest{
		params: p,
		rng:    rand.New(rand.NewSource(p.Seed)),
	}
}

func (f *IsolationForest) Name() string { return ModelIsolationForest }

// Fit builds NumTrees trees, each on a sample of min(SampleSize, n) rows, and
// sets the decision offset from the training scores.
func (f *IsolationForest) Fit(batch [][]float64) error {
	w, err := batchWidth(batch)
	if err != nil {
		return err
	}
	numTrees := f.params.NumTrees
	if numTrees <= 0 {
		numTrees = 100
	}
	psi := f.params.SampleSize
	if psi <= 0 || psi > len(batch) {
		psi = len(batch)
	}

	f.rng = rand.New(rand.NewSource(f.params.Seed))
	f.width = w
	f.psi = psi
	f.maxDepth = int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	f.trees = make([]isolationTree, 0, numTrees)

	for i := 0; i < numTrees; i++ {
		sample := f.sampleData(batch, psi)
		var tree isolationTree
		f.buildTree(&tree, sample, 0)
		f.trees = append(f.trees, tree)
	}

	scores := make([]float64, len(batch))
	for i, row := range batch {
		scores[i] = f.score(row)
	}
	f.offset = contaminationOffset(scores, f.params.Contamination)
	return nil
}

// Score returns -2^(-E[h(x)]/c(psi)). Values lie in [-1, 0); values near -1
// are anomalous.
func (f *IsolationForest) Score(vec []float64) (float64, error) {
	if len(f.trees) == 0 {
		return 0, ErrNotFitted
	}
	if err := checkWidth(vec, f.width); err != nil {
		return 0, err
	}
	return f.score(vec), nil
}

func (f *IsolationForest) Predict(vec []float64) (models.Label, error) {
	s, err := f.Score(vec)
	if err != nil {
		return models.LabelNormal, err
	}
	return labelFor(s, f.offset), nil
}

// Offset returns the decision threshold learned during Fit.
func (f *IsolationForest) Offset() float64 { return f.offset }

func (f *IsolationForest) score(vec []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, vec)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.psi)
	if c == 0 {
		return -1
	}
	return -math.Pow(2, -avg/c)
}

// sampleData draws n rows without replacement using a partial Fisher-Yates
// shuffle.
func (f *IsolationForest) sampleData(batch [][]float64, n int) [][]float64 {
	idx := make([]int, len(batch))
	for i := range idx {
		idx[i] = i
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		j := i + f.rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = batch[idx[i]]
	}
	return out
}

// buildTree appends the subtree for data to tree and returns its index.
func (f *IsolationForest) buildTree(tree *isolationTree, data [][]float64, depth int) int {
	at := len(*tree)
	*tree = append(*tree, isolationNode{Left: -1, Right: -1, Size: len(data)})

	if len(data) <= 1 || depth >= f.maxDepth || allIdentical(data) {
		return at
	}

	feature := f.rng.Intn(f.width)
	minVal, maxVal := featureRange(data, feature)
	if maxVal-minVal < 1e-12 {
		// Constant on this feature; try the others before giving up.
		found := false
		for k := 1; k < f.width; k++ {
			cand := (feature + k) % f.width
			lo, hi := featureRange(data, cand)
			if hi-lo >= 1e-12 {
				feature, minVal, maxVal, found = cand, lo, hi, true
				break
			}
		}
		if !found {
			return at
		}
	}
	split := minVal + f.rng.Float64()*(maxVal-minVal)

	left, right := splitData(data, feature, split)
	if len(left) == 0 || len(right) == 0 {
		return at
	}

	l := f.buildTree(tree, left, depth+1)
	r := f.buildTree(tree, right, depth+1)
	(*tree)[at].Feature = feature
	(*tree)[at].Split = split
	(*tree)[at].Left = l
	(*tree)[at].Right = r
	return at
}

func pathLength(tree isolationTree, vec []float64) float64 {
	depth := 0
	i := 0
	for !tree[i].leaf() {
		if vec[tree[i].Feature] < tree[i].Split {
			i = tree[i].Left
		} else {
			i = tree[i].Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(tree[i].Size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST
// search over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*harmonicNumber(n-1) - (2 * float64(n-1) / float64(n))
}

// harmonicNumber approximates H(n) as ln(n) + γ.
func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

func allIdentical(data [][]float64) bool {
	first := data[0]
	for _, row := range data[1:] {
		for j := range first {
			if math.Abs(row[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data {
		v := row[feature]
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal
}

func splitData(data [][]float64, feature int, split float64) ([][]float64, [][]float64) {
	left := make([][]float64, 0, len(data))
	right := make([][]float64, 0, len(data))
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return left, right
}

type forestState struct {
	Params Params          `json:"params"`
	Trees  []isolationTree `json:"trees"`
	Psi    int             `json:"psi"`
	Width  int             `json:"width"`
	Offset float64         `json:"offset"`
}

func (f *IsolationForest) MarshalJSON() ([]byte, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}
	return json.Marshal(forestState{
		Params: f.params,
		Trees:  f.trees,
		Psi:    f.psi,
		Width:  f.width,
		Offset: f.offset,
	})
}

func (f *IsolationForest) UnmarshalJSON(data []byte) error {
	var st forestState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Trees) == 0 || st.Width == 0 {
		return fmt.Errorf("isolation forest state: %w", ErrNotFitted)
	}
	for i, tree := range st.Trees {
		if len(tree) == 0 {
			return fmt.Errorf("isolation forest state: tree %d is empty", i)
		}
	}
	f.params = st.Params
	f.trees = st.Trees
	f.psi = st.Psi
	f.width = st.Width
	f.offset = st.Offset
	f.rng = rand.New(rand.NewSource(st.Params.Seed))
	return nil
}

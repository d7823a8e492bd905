package evaluation

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Report holds binary classification metrics. Undefined ratios are 0.
type Report struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Accuracy  float64 `json:"accuracy"`
	ROCAUC    float64 `json:"roc_auc,omitempty"`

	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`

	// Detected is the number of samples predicted anomalous.
	Detected int `json:"anomalies_detected"`
	Total    int `json:"total_samples"`
}

// Confusion returns [[tn, fp], [fn, tp]].
func (r Report) Confusion() [2][2]int {
	return [2][2]int{
		{r.TrueNegatives, r.FalsePositives},
		{r.FalseNegatives, r.TruePositives},
	}
}

// Metrics flattens the report for a tracking sink.
func (r Report) Metrics() map[string]float64 {
	return map[string]float64{
		"precision":      r.Precision,
		"recall":         r.Recall,
		"f1_score":       r.F1,
		"accuracy":       r.Accuracy,
		"test_anomalies": float64(r.Detected),
	}
}

// OneSided scores predictions made on samples that are all assumed to be
// true anomalies. There are no true negatives, so precision is 1 whenever
// anything was detected and recall is the detected fraction.
func OneSided(predictions []models.Label) Report {
	truth := make([]models.Label, len(predictions))
	for i := range truth {
		truth[i] = models.LabelAnomaly
	}
	return Compare(truth, predictions)
}

// PseudoLabeled builds ground truth by marking the floor(n*contamination)
// lowest scores as anomalies, then compares predictions against it. This is
// a heuristic: it measures agreement between a model's labels and its own
// score ranking, not detection quality.
func PseudoLabeled(scores []float64, predictions []models.Label, contamination float64) Report {
	n := len(scores)
	if len(predictions) < n {
		n = len(predictions)
	}
	truth := make([]models.Label, n)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })
	k := int(float64(n) * contamination)
	for _, i := range idx[:k] {
		truth[i] = models.LabelAnomaly
	}

	r := Compare(truth, predictions[:n])
	r.ROCAUC = rocAUC(scores[:n], truth)
	return r
}

// Compare computes metrics for predictions against truth. Extra entries in
// the longer slice are ignored.
func Compare(truth, predictions []models.Label) Report {
	n := len(truth)
	if len(predictions) < n {
		n = len(predictions)
	}
	r := Report{Total: n}
	for i := 0; i < n; i++ {
		p, t := predictions[i].IsAnomaly(), truth[i].IsAnomaly()
		switch {
		case p && t:
			r.TruePositives++
		case p && !t:
			r.FalsePositives++
		case !p && t:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}
	r.Detected = r.TruePositives + r.FalsePositives
	r.Precision = ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
	r.Recall = ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	r.Accuracy = ratio(r.TruePositives+r.TrueNegatives, n)
	return r
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// rocAUC ranks by -score so that more anomalous samples rank higher. It
// returns 0 when only one class is present.
func rocAUC(scores []float64, truth []models.Label) float64 {
	type pair struct {
		y   float64
		pos bool
	}
	pairs := make([]pair, len(scores))
	var pos int
	for i, s := range scores {
		pairs[i] = pair{y: -s, pos: truth[i].IsAnomaly()}
		if pairs[i].pos {
			pos++
		}
	}
	if pos == 0 || pos == len(pairs) {
		return 0
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].y < pairs[b].y })
	y := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		y[i], classes[i] = p.y, p.pos
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	auc := integrate.Trapezoidal(fpr, tpr)
	if math.IsNaN(auc) {
		return 0
	}
	return auc
}

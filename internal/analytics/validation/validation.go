package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// Status of a single check.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusWarning Status = "WARNING"
	StatusFailed  Status = "FAILED"
)

const (
	// MinTrainingSamples is the size below which a dataset gets a warning.
	MinTrainingSamples = 30

	rangeFailRatio     = 0.05
	duplicateFailRatio = 0.10
)

type bounds struct {
	min    float64
	max    float64
	hasMax bool
}

var rules = map[string]bounds{
	models.FeatureCPU:     {min: 0, max: 100, hasMax: true},
	models.FeatureMemory:  {min: 0, max: 100, hasMax: true},
	models.FeatureNetwork: {min: 0},
}

// ValidateSample checks a live reading against the feature ranges and
// returns one message per violation.
func ValidateSample(s models.Sample) []string {
	var issues []string
	if !(s.CPU >= 0 && s.CPU <= 100) {
		issues = append(issues, fmt.Sprintf("CPU %v out of range [0, 100]", s.CPU))
	}
	if !(s.Memory >= 0 && s.Memory <= 100) {
		issues = append(issues, fmt.Sprintf("Memory %v out of range [0, 100]", s.Memory))
	}
	if !(s.Network >= 0) || math.IsInf(s.Network, 1) {
		issues = append(issues, fmt.Sprintf("Network %v is negative or not finite", s.Network))
	}
	return issues
}

// Table is a training dataset. Missing or non-numeric cells are NaN in Rows;
// Raw, when set, keeps the original cells for duplicate detection.
type Table struct {
	Columns []string
	Rows    [][]float64
	Raw     [][]string
}

// Column returns the index of name, or -1.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Samples returns the rows that have a finite value for every feature, in
// file order.
func (t Table) Samples() []models.Sample {
	idx := make([]int, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		idx[i] = t.Column(name)
		if idx[i] < 0 {
			return nil
		}
	}
	out := make([]models.Sample, 0, len(t.Rows))
	for _, row := range t.Rows {
		vec := make([]float64, len(idx))
		ok := true
		for i, c := range idx {
			if c >= len(row) || math.IsNaN(row[c]) {
				ok = false
				break
			}
			vec[i] = row[c]
		}
		if ok {
			out = append(out, models.SampleFromVector(vec, time.Time{}))
		}
	}
	return out
}

// ColumnStats summarises one feature.
type ColumnStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Q25  float64 `json:"q25"`
	Q75  float64 `json:"q75"`
}

// Outliers is the IQR outlier summary for one feature.
type Outliers struct {
	Count  int        `json:"count"`
	Ratio  float64    `json:"ratio"`
	Bounds [2]float64 `json:"bounds"`
}

// Report is the result of ValidateDataset.
type Report struct {
	Timestamp   time.Time `json:"timestamp"`
	Passed      bool      `json:"passed"`
	SampleCount int       `json:"sample_count"`

	Schema        Status         `json:"schema"`
	MissingCols   []string       `json:"missing_columns,omitempty"`
	Ranges        Status         `json:"ranges"`
	Violations    map[string]int `json:"range_violations,omitempty"`
	ViolatingRows int            `json:"violating_rows"`
	Missing       Status         `json:"missing_values"`
	MissingCounts map[string]int `json:"missing_counts,omitempty"`
	Duplicates    Status         `json:"duplicates"`
	DuplicateRows int            `json:"duplicate_rows"`

	Statistics map[string]ColumnStats `json:"statistics,omitempty"`
	Outliers   map[string]Outliers    `json:"outliers,omitempty"`
	Warnings   []string               `json:"warnings,omitempty"`
}

// Failures lists the checks that failed.
func (r Report) Failures() []string {
	var out []string
	for name, s := range map[string]Status{
		"schema":         r.Schema,
		"ranges":         r.Ranges,
		"missing_values": r.Missing,
		"duplicates":     r.Duplicates,
	} {
		if s == StatusFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateDataset runs the schema, range, missing-value, duplicate,
// statistics and outlier checks. A failing schema check stops the rest.
func ValidateDataset(t Table) Report {
	r := Report{
		Timestamp:   time.Now().UTC(),
		Passed:      true,
		SampleCount: len(t.Rows),
	}

	idx := map[string]int{}
	for _, name := range models.FeatureNames {
		c := t.Column(name)
		if c < 0 {
			r.MissingCols = append(r.MissingCols, name)
			continue
		}
		idx[name] = c
	}
	if len(r.MissingCols) > 0 {
		r.Schema = StatusFailed
		r.Passed = false
		return r
	}
	r.Schema = StatusPassed

	checkRanges(&r, t, idx)
	checkMissing(&r, t, idx)
	checkDuplicates(&r, t)

	r.Statistics = map[string]ColumnStats{}
	r.Outliers = map[string]Outliers{}
	for _, name := range models.FeatureNames {
		col := finiteColumn(t, idx[name])
		if len(col) == 0 {
			continue
		}
		st := columnStats(col)
		r.Statistics[name] = st
		r.Outliers[name] = iqrOutliers(col, st, len(t.Rows))
	}

	if len(t.Rows) < MinTrainingSamples {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("only %d samples, at least %d recommended for training", len(t.Rows), MinTrainingSamples))
	}
	return r
}

func checkRanges(r *Report, t Table, idx map[string]int) {
	r.Violations = map[string]int{}
	for _, row := range t.Rows {
		bad := false
		for _, name := range models.FeatureNames {
			c := idx[name]
			if c >= len(row) || math.IsNaN(row[c]) {
				continue
			}
			b := rules[name]
			if row[c] < b.min {
				r.Violations[name+"_below_min"]++
				bad = true
			}
			if b.hasMax && row[c] > b.max {
				r.Violations[name+"_above_max"]++
				bad = true
			}
		}
		if bad {
			r.ViolatingRows++
		}
	}
	switch {
	case r.ViolatingRows == 0:
		r.Ranges = StatusPassed
		r.Violations = nil
	case float64(r.ViolatingRows) >= rangeFailRatio*float64(len(t.Rows)):
		r.Ranges = StatusFailed
		r.Passed = false
	default:
		r.Ranges = StatusWarning
	}
}

func checkMissing(r *Report, t Table, idx map[string]int) {
	r.MissingCounts = map[string]int{}
	total := 0
	for _, row := range t.Rows {
		for _, name := range models.FeatureNames {
			c := idx[name]
			if c >= len(row) || math.IsNaN(row[c]) {
				r.MissingCounts[name]++
				total++
			}
		}
	}
	if total == 0 {
		r.Missing = StatusPassed
		r.MissingCounts = nil
		return
	}
	r.Missing = StatusFailed
	r.Passed = false
}

func checkDuplicates(r *Report, t Table) {
	seen := make(map[string]struct{}, len(t.Rows))
	for i, row := range t.Rows {
		key := rowKey(row)
		if i < len(t.Raw) {
			key = strings.Join(t.Raw[i], "\x1f")
		}
		if _, ok := seen[key]; ok {
			r.DuplicateRows++
			continue
		}
		seen[key] = struct{}{}
	}
	switch {
	case r.DuplicateRows == 0:
		r.Duplicates = StatusPassed
	case float64(r.DuplicateRows)/float64(len(t.Rows)) > duplicateFailRatio:
		r.Duplicates = StatusFailed
		r.Passed = false
	default:
		r.Duplicates = StatusWarning
	}
}

func rowKey(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ",")
}

func finiteColumn(t Table, c int) []float64 {
	out := make([]float64, 0, len(t.Rows))
	for _, row := range t.Rows {
		if c < len(row) && !math.IsNaN(row[c]) && !math.IsInf(row[c], 0) {
			out = append(out, row[c])
		}
	}
	return out
}

func columnStats(col []float64) ColumnStats {
	sorted := append([]float64(nil), col...)
	sort.Float64s(sorted)
	var st ColumnStats
	if len(sorted) > 1 {
		st.Mean, st.Std = stat.MeanStdDev(sorted, nil)
	} else {
		st.Mean = sorted[0]
	}
	st.Min = floats.Min(sorted)
	st.Max = floats.Max(sorted)
	st.Q25 = stat.Quantile(0.25, stat.LinInterp, sorted, nil)
	st.Q75 = stat.Quantile(0.75, stat.LinInterp, sorted, nil)
	return st
}

func iqrOutliers(col []float64, st ColumnStats, rows int) Outliers {
	iqr := st.Q75 - st.Q25
	lo, hi := st.Q25-1.5*iqr, st.Q75+1.5*iqr
	o := Outliers{Bounds: [2]float64{lo, hi}}
	for _, v := range col {
		if v < lo || v > hi {
			o.Count++
		}
	}
	if rows > 0 {
		o.Ratio = float64(o.Count) / float64(rows)
	}
	return o
}

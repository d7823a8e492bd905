package ml

import "math/rand"

// gaussianBatch returns n rows drawn from N(0, 1) in each of width features.
func gaussianBatch(n, width int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, width)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		out[i] = row
	}
	return out
}

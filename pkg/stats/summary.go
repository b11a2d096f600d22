package stats

import (
	"math"
	"sort"
)

// Summary is the batch statistics computed over one window of observations.
type Summary struct {
	Count    int
	Mean     float64
	Variance float64
	StdDev   float64
	P50      float64
	P95      float64
	P99      float64
	Min      float64
	Max      float64
}

// Summarize computes a Summary over the given values. The input slice is not
// modified. Variance is the population variance and percentiles use the
// nearest-rank method on the sorted batch, index floor(n*p).
func Summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}
	variance := sq / float64(n)

	return Summary{
		Count:    n,
		Mean:     mean,
		Variance: variance,
		StdDev:   math.Sqrt(variance),
		P50:      Percentile(sorted, 0.50),
		P95:      Percentile(sorted, 0.95),
		P99:      Percentile(sorted, 0.99),
		Min:      sorted[0],
		Max:      sorted[n-1],
	}
}

// Percentile returns the nearest-rank percentile of an already sorted slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * p))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

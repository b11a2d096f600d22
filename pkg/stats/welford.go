package stats

import "math"

// Welford accumulates mean and variance incrementally with O(1) state, so
// amount baselines can absorb live transactions without keeping samples.
// Variance is the population variance, matching the batch summaries.
type Welford struct {
	count int
	mean  float64
	m2    float64
}

// Add folds one observation into the accumulator.
func (w *Welford) Add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// Count returns the number of observations added.
func (w *Welford) Count() int { return w.count }

// Mean returns the running mean, 0 when empty.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the population variance, 0 when empty.
func (w *Welford) Variance() float64 {
	if w.count == 0 {
		return 0
	}
	return w.m2 / float64(w.count)
}

// StdDev returns sqrt(Variance).
func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

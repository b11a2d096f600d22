package stats

import (
	"sort"

	"github.com/kx-labs/tracewatch/pkg/model"
)

// Floors applied to the learned thresholds, Sev5 through Sev1. A quiet
// bucket must not end up alerting on sub-noise deviations.
var thresholdFloors = [5]float64{0.5, 1.0, 1.5, 2.0, 2.5}

// AdaptiveThresholds learns severity cutoffs from the empirical distribution
// of deviations in one time bucket. Only positive deviations count, slower
// than the mean is the direction that pages somebody. The Sev5..Sev1 cutoffs
// are the 80/90/95/99/99.9 percentiles, floored after the percentile. With
// fewer than minSamples positive deviations the defaults are returned.
func AdaptiveThresholds(deviations []float64, minSamples int) model.Thresholds {
	positives := make([]float64, 0, len(deviations))
	for _, d := range deviations {
		if d > 0 {
			positives = append(positives, d)
		}
	}
	if len(positives) < minSamples {
		return model.DefaultThresholds()
	}
	sort.Float64s(positives)

	return model.Thresholds{
		Sev5: floored(Percentile(positives, 0.80), thresholdFloors[0]),
		Sev4: floored(Percentile(positives, 0.90), thresholdFloors[1]),
		Sev3: floored(Percentile(positives, 0.95), thresholdFloors[2]),
		Sev2: floored(Percentile(positives, 0.99), thresholdFloors[3]),
		Sev1: floored(Percentile(positives, 0.999), thresholdFloors[4]),
	}
}

func floored(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

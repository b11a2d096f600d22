package model

// Severity ranks an anomaly from Critical (1) to Low (5). Lower is worse.
type Severity int

const (
	SeverityCritical Severity = iota + 1
	SeverityMajor
	SeverityModerate
	SeverityMinor
	SeverityLow
)

// Name returns the operator-facing label for the tier.
func (s Severity) Name() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityMajor:
		return "Major"
	case SeverityModerate:
		return "Moderate"
	case SeverityMinor:
		return "Minor"
	case SeverityLow:
		return "Low"
	}
	return "Unknown"
}

// Thresholds holds the sigma cutoffs for the five severity tiers.
// Invariant: Sev5 <= Sev4 <= Sev3 <= Sev2 <= Sev1.
type Thresholds struct {
	Sev1 float64 `json:"sev1"`
	Sev2 float64 `json:"sev2"`
	Sev3 float64 `json:"sev3"`
	Sev4 float64 `json:"sev4"`
	Sev5 float64 `json:"sev5"`
}

// DefaultThresholds apply until a time bucket has enough positive deviations
// to learn its own.
func DefaultThresholds() Thresholds {
	return Thresholds{Sev1: 3.3, Sev2: 2.6, Sev3: 2.0, Sev4: 1.65, Sev5: 1.3}
}

// WhaleThresholds classify transaction amounts. Stricter than latency, a
// whale has to clear at least 3 sigma.
func WhaleThresholds() Thresholds {
	return Thresholds{Sev1: 7, Sev2: 6, Sev3: 5, Sev4: 4, Sev5: 3}
}

// Classify returns the highest tier whose threshold the deviation meets, or
// false when the deviation is below the Sev5 cutoff.
func (t Thresholds) Classify(deviation float64) (Severity, bool) {
	switch {
	case deviation >= t.Sev1:
		return SeverityCritical, true
	case deviation >= t.Sev2:
		return SeverityMajor, true
	case deviation >= t.Sev3:
		return SeverityModerate, true
	case deviation >= t.Sev4:
		return SeverityMinor, true
	case deviation >= t.Sev5:
		return SeverityLow, true
	}
	return 0, false
}

// ForSeverity returns the sigma cutoff the given tier requires.
func (t Thresholds) ForSeverity(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return t.Sev1
	case SeverityMajor:
		return t.Sev2
	case SeverityModerate:
		return t.Sev3
	case SeverityMinor:
		return t.Sev4
	case SeverityLow:
		return t.Sev5
	}
	return 0
}

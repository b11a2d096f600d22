package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDefaults(t *testing.T) {
	thr := DefaultThresholds()

	tests := []struct {
		deviation float64
		severity  Severity
		ok        bool
	}{
		{0.5, 0, false},
		{1.29, 0, false},
		{1.3, SeverityLow, true},
		{1.65, SeverityMinor, true},
		{2.0, SeverityModerate, true},
		{2.6, SeverityMajor, true},
		{3.3, SeverityCritical, true},
		{3.5, SeverityCritical, true},
		{50, SeverityCritical, true},
	}

	for _, tc := range tests {
		sev, ok := thr.Classify(tc.deviation)
		assert.Equal(t, tc.ok, ok, "deviation %.2f", tc.deviation)
		if tc.ok {
			assert.Equal(t, tc.severity, sev, "deviation %.2f", tc.deviation)
		}
	}
}

func TestClassifyWhale(t *testing.T) {
	thr := WhaleThresholds()

	sev, ok := thr.Classify(2.9)
	assert.False(t, ok, "under 3 sigma is normal: got %v", sev)

	sev, ok = thr.Classify(3)
	assert.True(t, ok)
	assert.Equal(t, SeverityLow, sev)

	sev, ok = thr.Classify(7)
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)
}

func TestSeverityNames(t *testing.T) {
	assert.Equal(t, "Critical", SeverityCritical.Name())
	assert.Equal(t, "Major", SeverityMajor.Name())
	assert.Equal(t, "Moderate", SeverityModerate.Name())
	assert.Equal(t, "Minor", SeverityMinor.Name())
	assert.Equal(t, "Low", SeverityLow.Name())
	assert.Equal(t, "Unknown", Severity(0).Name())
}

func TestForSeverity(t *testing.T) {
	thr := DefaultThresholds()
	assert.Equal(t, 3.3, thr.ForSeverity(SeverityCritical))
	assert.Equal(t, 1.3, thr.ForSeverity(SeverityLow))
}

package correlator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	values  map[string]float64
	failing map[string]bool
	healthy bool
}

func (f *fakeMetrics) Query(_ context.Context, query string, _ time.Time) (float64, bool, error) {
	for frag, fail := range f.failing {
		if fail && strings.Contains(query, frag) {
			return 0, false, errors.New("query failed")
		}
	}
	for frag, v := range f.values {
		if strings.Contains(query, frag) {
			return v, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeMetrics) Healthy(context.Context) bool { return f.healthy }

func testConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)
	return cfg
}

func TestCorrelateHealthySnapshot(t *testing.T) {
	source := &fakeMetrics{values: map[string]float64{
		"process_cpu_seconds_total":     35,
		"process_resident_memory_bytes": 256,
		"http_requests_total":           12,
		"histogram_quantile":            180,
		"active_connections":            8,
	}}
	c := New(testConfig(), source, log.NewNopLogger())

	out := c.Correlate(context.Background(), "payment-service", time.Now())

	require.NotNil(t, out.Metrics.CPUPercent)
	assert.Equal(t, 35.0, *out.Metrics.CPUPercent)
	require.NotNil(t, out.Metrics.MemoryMB)
	assert.Equal(t, 256.0, *out.Metrics.MemoryMB)
	assert.Empty(t, out.Insights)
	assert.True(t, out.Healthy)
}

func TestCorrelateInsights(t *testing.T) {
	source := &fakeMetrics{values: map[string]float64{
		"process_cpu_seconds_total":     92,
		"process_resident_memory_bytes": 1400,
		"http_requests_total":           12, // both request and error rate share the metric name
		"active_connections":            250,
	}}
	c := New(testConfig(), source, log.NewNopLogger())

	out := c.Correlate(context.Background(), "payment-service", time.Now())

	assert.False(t, out.Healthy)
	joined := strings.Join(out.Insights, "\n")
	assert.Contains(t, joined, "CPU critically saturated")
	assert.Contains(t, joined, "memory above 1GB")
	assert.Contains(t, joined, "error rate critical")
	assert.Contains(t, joined, "connection count high")
}

// A failing query nils its field without losing the rest of the snapshot.
func TestCorrelatePartialFailure(t *testing.T) {
	source := &fakeMetrics{
		values:  map[string]float64{"process_resident_memory_bytes": 300},
		failing: map[string]bool{"process_cpu_seconds_total": true},
	}
	c := New(testConfig(), source, log.NewNopLogger())

	out := c.Correlate(context.Background(), "payment-service", time.Now())

	assert.Nil(t, out.Metrics.CPUPercent)
	require.NotNil(t, out.Metrics.MemoryMB)
	assert.Equal(t, 300.0, *out.Metrics.MemoryMB)
}

func TestSummaryCoversAllServices(t *testing.T) {
	c := New(testConfig(), &fakeMetrics{}, log.NewNopLogger())

	out := c.Summary(context.Background(), []string{"payment-service", "auth-service"})

	require.Len(t, out, 2)
	assert.Equal(t, "payment-service", out[0].Service)
	assert.Equal(t, "auth-service", out[1].Service)
}

func TestHealthy(t *testing.T) {
	c := New(testConfig(), &fakeMetrics{healthy: true}, log.NewNopLogger())
	assert.True(t, c.Healthy(context.Background()))

	c = New(testConfig(), &fakeMetrics{healthy: false}, log.NewNopLogger())
	assert.False(t, c.Healthy(context.Background()))
}

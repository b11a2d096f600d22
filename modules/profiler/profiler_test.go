package profiler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kx-labs/tracewatch/pkg/model"
)

type fakeSource struct {
	traces map[string][]model.Trace
	errs   map[string]error
}

func (f *fakeSource) SearchRecent(_ context.Context, service string, _ time.Duration, _ int) ([]model.Trace, error) {
	if err := f.errs[service]; err != nil {
		return nil, err
	}
	return f.traces[service], nil
}

func traceWithDurations(service, operation string, durations ...float64) model.Trace {
	tr := model.Trace{TraceID: "trace-" + service}
	for i, d := range durations {
		tr.Spans = append(tr.Spans, model.Span{
			TraceID:    tr.TraceID,
			SpanID:     fmt.Sprintf("span-%s-%d", operation, i),
			Service:    service,
			Operation:  operation,
			StartTime:  time.Now().UTC().Add(-time.Duration(i) * time.Second),
			DurationMs: d,
		})
	}
	return tr
}

func testConfig() Config {
	return Config{PollInterval: time.Hour, Window: time.Hour, TraceLimit: 100}
}

func TestRefreshComputesBaselines(t *testing.T) {
	src := &fakeSource{traces: map[string][]model.Trace{
		"payment-service": {traceWithDurations("payment-service", "POST /charge", 100, 110, 120, 130, 140)},
	}}
	p := New(testConfig(), src, []string{"payment-service"}, log.NewNopLogger())

	p.refresh(context.Background())

	b, ok := p.GetBaseline("payment-service", "POST /charge")
	require.True(t, ok)
	assert.Equal(t, 5, b.SampleCount)
	assert.InDelta(t, 120, b.Mean, 1e-9)
	assert.InDelta(t, 14.142, b.StdDev, 1e-3)
	assert.Equal(t, 100.0, b.Min)
	assert.Equal(t, 140.0, b.Max)
	assert.False(t, p.LastPolled().IsZero())
}

func TestRefreshKeepsAbsentKeys(t *testing.T) {
	src := &fakeSource{traces: map[string][]model.Trace{
		"payment-service": {traceWithDurations("payment-service", "POST /charge", 100, 120)},
	}}
	p := New(testConfig(), src, []string{"payment-service"}, log.NewNopLogger())
	p.refresh(context.Background())

	// next window only contains a different operation
	src.traces["payment-service"] = []model.Trace{traceWithDurations("payment-service", "GET /status", 5, 7)}
	p.refresh(context.Background())

	_, ok := p.GetBaseline("payment-service", "POST /charge")
	assert.True(t, ok, "stale keys keep their last baseline")
	_, ok = p.GetBaseline("payment-service", "GET /status")
	assert.True(t, ok)
}

func TestRefreshReplacesChangedKeys(t *testing.T) {
	src := &fakeSource{traces: map[string][]model.Trace{
		"payment-service": {traceWithDurations("payment-service", "POST /charge", 100, 120)},
	}}
	p := New(testConfig(), src, []string{"payment-service"}, log.NewNopLogger())
	p.refresh(context.Background())

	src.traces["payment-service"] = []model.Trace{traceWithDurations("payment-service", "POST /charge", 300, 300, 300)}
	p.refresh(context.Background())

	b, ok := p.GetBaseline("payment-service", "POST /charge")
	require.True(t, ok)
	assert.Equal(t, 3, b.SampleCount, "replace semantics, not accumulate")
	assert.Equal(t, 300.0, b.Mean)
}

func TestRefreshSurvivesFailingService(t *testing.T) {
	src := &fakeSource{
		traces: map[string][]model.Trace{
			"order-service": {traceWithDurations("order-service", "match", 10, 12)},
		},
		errs: map[string]error{"payment-service": errors.New("connection refused")},
	}
	p := New(testConfig(), src, []string{"payment-service", "order-service"}, log.NewNopLogger())

	p.refresh(context.Background())

	_, ok := p.GetBaseline("order-service", "match")
	assert.True(t, ok, "healthy services still update")
	_, ok = p.GetBaseline("payment-service", "POST /charge")
	assert.False(t, ok)
}

func TestBaselinesSortedBySampleCount(t *testing.T) {
	src := &fakeSource{traces: map[string][]model.Trace{
		"payment-service": {
			traceWithDurations("payment-service", "POST /charge", 100),
			traceWithDurations("payment-service", "GET /status", 5, 6, 7),
		},
	}}
	p := New(testConfig(), src, []string{"payment-service"}, log.NewNopLogger())
	p.refresh(context.Background())

	got := p.Baselines()
	require.Len(t, got, 2)
	assert.Equal(t, "GET /status", got[0].Operation)
	assert.Equal(t, "POST /charge", got[1].Operation)
}

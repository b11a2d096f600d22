package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kx-labs/tracewatch/pkg/model"
)

type fakeSource struct {
	traces []model.Trace
}

func (f *fakeSource) SearchRecent(context.Context, string, time.Duration, int) ([]model.Trace, error) {
	return f.traces, nil
}

type fakeTimeBaselines struct {
	baselines map[string]model.TimeBaseline
}

func (f *fakeTimeBaselines) GetBaselineWithFallback(service, operation string, _ time.Time) (model.TimeBaseline, bool) {
	b, ok := f.baselines[model.SpanKey(service, operation)]
	return b, ok
}

type fakeSpanBaselines struct {
	baselines map[string]model.SpanBaseline
}

func (f *fakeSpanBaselines) GetBaseline(service, operation string) (model.SpanBaseline, bool) {
	b, ok := f.baselines[model.SpanKey(service, operation)]
	return b, ok
}

type fakeHistory struct {
	mtx      sync.Mutex
	inserted []model.Anomaly
}

func (f *fakeHistory) InsertAnomaly(_ context.Context, a model.Anomaly) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeHistory) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.inserted)
}

type fakeAnalyzer struct {
	mtx      sync.Mutex
	enqueued []model.Anomaly
}

func (f *fakeAnalyzer) Enqueue(a model.Anomaly) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.enqueued = append(f.enqueued, a)
	return true
}

func (f *fakeAnalyzer) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.enqueued)
}

type testDetector struct {
	*Detector
	source   *fakeSource
	history  *fakeHistory
	analyzer *fakeAnalyzer
}

func newTestDetector(t *testing.T, spanBaselines map[string]model.SpanBaseline, timeBaselines map[string]model.TimeBaseline) *testDetector {
	t.Helper()

	src := &fakeSource{}
	hist := &fakeHistory{}
	an := &fakeAnalyzer{}

	cfg := Config{
		PollInterval:  time.Hour,
		Window:        time.Minute,
		TraceLimit:    100,
		MinSamples:    10,
		Retention:     5 * time.Minute,
		SeenCacheSize: 1000,
	}
	d, err := New(cfg, src, &fakeTimeBaselines{baselines: timeBaselines}, &fakeSpanBaselines{baselines: spanBaselines}, hist, an, []string{"payment-service"}, log.NewNopLogger())
	require.NoError(t, err)

	return &testDetector{Detector: d, source: src, history: hist, analyzer: an}
}

func span(traceID, spanID string, durationMs float64) model.Span {
	return model.Span{
		TraceID:    traceID,
		SpanID:     spanID,
		Service:    "payment-service",
		Operation:  "POST /charge",
		StartTime:  time.Now().UTC(),
		DurationMs: durationMs,
	}
}

func baseline(mean, stdDev float64, samples int) map[string]model.SpanBaseline {
	return map[string]model.SpanBaseline{
		"payment-service:POST /charge": {
			SpanKey:     "payment-service:POST /charge",
			Service:     "payment-service",
			Operation:   "POST /charge",
			Mean:        mean,
			StdDev:      stdDev,
			SampleCount: samples,
		},
	}
}

func TestDetectsCriticalDeviation(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 170)}}}

	d.cycle(context.Background())

	active := d.Active()
	require.Len(t, active, 1)

	a := active[0]
	assert.Equal(t, "t1-s1", a.ID)
	assert.Equal(t, model.KindLatency, a.Kind)
	assert.InDelta(t, 3.5, a.Deviation, 1e-9)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, "Critical", a.SeverityName)
	assert.Equal(t, 100.0, a.ExpectedMean)

	require.Eventually(t, func() bool { return d.history.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.analyzer.count(), "critical anomalies reach the analyzer")
}

func TestNormalSpansIgnored(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 110)}}}

	d.cycle(context.Background())
	assert.Empty(t, d.Active())
}

func TestSpanInspectedOnlyOnce(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 170)}}}

	d.cycle(context.Background())
	d.cycle(context.Background())

	assert.Len(t, d.Active(), 1)
	require.Eventually(t, func() bool { return d.history.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.analyzer.count())
}

func TestDuplicateTracesDropped(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	tr := model.Trace{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 170)}}
	d.source.traces = []model.Trace{tr, tr}

	d.cycle(context.Background())
	assert.Len(t, d.Active(), 1)
}

func TestMinSamplesGuard(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 5), nil)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 500)}}}

	d.cycle(context.Background())
	assert.Empty(t, d.Active(), "thin baselines never classify")
}

func TestStdDevGuard(t *testing.T) {
	d := newTestDetector(t, baseline(100, 0.5, 600), nil)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 500)}}}

	d.cycle(context.Background())
	assert.Empty(t, d.Active(), "sub-millisecond spread never classifies")
}

func TestMinorSeverityNotEnqueued(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	// deviation 1.8 lands in the Minor band of the default ladder
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 136)}}}

	d.cycle(context.Background())

	active := d.Active()
	require.Len(t, active, 1)
	assert.Equal(t, model.SeverityMinor, active[0].Severity)
	assert.Zero(t, d.analyzer.count(), "only Moderate and worse reach the analyzer")
}

func TestTimeBaselinePreferred(t *testing.T) {
	timeBaselines := map[string]model.TimeBaseline{
		"payment-service:POST /charge": {
			SpanBaseline: model.SpanBaseline{
				SpanKey:     "payment-service:POST /charge",
				Mean:        200,
				StdDev:      10,
				SampleCount: 50,
			},
			Thresholds: model.Thresholds{Sev1: 10, Sev2: 9, Sev3: 8, Sev4: 7, Sev5: 6},
		},
	}
	d := newTestDetector(t, baseline(100, 20, 600), timeBaselines)
	// 270ms is +7 sigma against the bucket: Major on its learned ladder
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 270)}}}

	d.cycle(context.Background())

	active := d.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 200.0, active[0].ExpectedMean, "bucket stats win over the hot window")
	assert.Equal(t, model.SeverityMinor, active[0].Severity)
}

func TestExpiredAnomaliesSwept(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)

	old := span("t1", "s1", 170)
	old.StartTime = time.Now().UTC().Add(-10 * time.Minute)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{old}}}

	d.cycle(context.Background())
	assert.Empty(t, d.Active(), "anomalies past retention are swept in the same cycle")
}

func TestFind(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 170)}}}
	d.cycle(context.Background())

	a, ok := d.Find("", "t1-s1")
	require.True(t, ok)
	assert.Equal(t, "t1-s1", a.ID)

	a, ok = d.Find("t1", "")
	require.True(t, ok)
	assert.Equal(t, "t1-s1", a.ID)

	_, ok = d.Find("t2", "")
	assert.False(t, ok)
}

func TestHealthRollup(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)

	report := d.Health()
	assert.Equal(t, "healthy", report.Status)
	require.Len(t, report.Services, 1)
	assert.Equal(t, "payment-service", report.Services[0].Name)
	assert.Equal(t, "healthy", report.Services[0].Status)

	// Critical anomaly flips the service and the rollup
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 170)}}}
	d.cycle(context.Background())

	report = d.Health()
	assert.Equal(t, "critical", report.Status)
	assert.Equal(t, "critical", report.Services[0].Status)
	assert.Equal(t, 1, report.Services[0].ActiveAnomalies)
	assert.False(t, report.LastPolled.IsZero())
}

func TestHealthWarning(t *testing.T) {
	d := newTestDetector(t, baseline(100, 20, 600), nil)
	// deviation 2.2 is Moderate: a warning, not an outage
	d.source.traces = []model.Trace{{TraceID: "t1", Spans: []model.Span{span("t1", "s1", 144)}}}

	d.cycle(context.Background())

	report := d.Health()
	assert.Equal(t, "warning", report.Status)
	assert.Equal(t, "warning", report.Services[0].Status)
}

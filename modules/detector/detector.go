package detector

import (
	"context"
	"flag"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/kx-labs/tracewatch/pkg/model"
)

var (
	metricSpansInspected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "detector_spans_inspected_total",
		Help:      "The total number of spans inspected",
	})
	metricAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "detector_anomalies_total",
		Help:      "The total number of latency anomalies by severity",
	}, []string{"severity"})
	metricSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "detector_spans_skipped_total",
		Help:      "The total number of spans skipped before classification",
	}, []string{"reason"})
	metricActiveAnomalies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracewatch",
		Name:      "detector_active_anomalies",
		Help:      "The number of anomalies currently in the active window",
	})
	metricPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "detector_persist_failures_total",
		Help:      "The total number of anomalies that could not be written to the history store",
	})
)

// TraceSource supplies recently finished traces for one service.
type TraceSource interface {
	SearchRecent(ctx context.Context, service string, window time.Duration, limit int) ([]model.Trace, error)
}

// TimeBaselines resolves (dayOfWeek, hourOfDay) baselines with fallback.
type TimeBaselines interface {
	GetBaselineWithFallback(service, operation string, ts time.Time) (model.TimeBaseline, bool)
}

// SpanBaselines resolves hot-window baselines.
type SpanBaselines interface {
	GetBaseline(service, operation string) (model.SpanBaseline, bool)
}

// HistoryWriter persists anomalies.
type HistoryWriter interface {
	InsertAnomaly(ctx context.Context, a model.Anomaly) error
}

// AnalyzerQueue receives anomalies worth explaining.
type AnalyzerQueue interface {
	Enqueue(a model.Anomaly) bool
}

// Config for the anomaly detector.
type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	Window        time.Duration `yaml:"window"`
	TraceLimit    int           `yaml:"trace_limit"`
	MinSamples    int           `yaml:"min_samples"`
	Retention     time.Duration `yaml:"retention"`
	SeenCacheSize int           `yaml:"seen_cache_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.PollInterval = 10 * time.Second
	cfg.Window = time.Minute
	cfg.TraceLimit = 100
	cfg.Retention = 5 * time.Minute
	cfg.SeenCacheSize = 1000

	f.IntVar(&cfg.MinSamples, prefix+".min-samples", 500, "Minimum baseline sample count before a span is classified.")
}

// Detector scores spans from the last minute against their baselines and
// keeps the resulting anomalies in a five minute active window.
type Detector struct {
	services.Service

	cfg           Config
	source        TraceSource
	timeBaselines TimeBaselines
	spanBaselines SpanBaselines
	store         HistoryWriter
	analyzer      AnalyzerQueue
	monitored     []string
	logger        log.Logger

	seen *lru.Cache[string, struct{}]

	mtx        sync.RWMutex
	active     map[string]model.Anomaly
	lastPolled time.Time
}

func New(cfg Config, source TraceSource, timeBaselines TimeBaselines, spanBaselines SpanBaselines, store HistoryWriter, analyzer AnalyzerQueue, monitored []string, logger log.Logger) (*Detector, error) {
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:           cfg,
		source:        source,
		timeBaselines: timeBaselines,
		spanBaselines: spanBaselines,
		store:         store,
		analyzer:      analyzer,
		monitored:     monitored,
		logger:        logger,
		seen:          seen,
		active:        make(map[string]model.Anomaly),
	}
	d.Service = services.NewBasicService(nil, d.running, nil)
	return d, nil
}

func (d *Detector) running(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cycle(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// cycle runs one detection pass. A panic in scoring must not kill the worker
// loop, it is logged with a stack and the next tick starts clean.
func (d *Detector) cycle(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			level.Error(d.logger).Log("msg", "detector cycle panicked", "panic", p, "stack", debug.Stack())
		}
	}()

	var (
		mtx    sync.Mutex
		traces []model.Trace
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range d.monitored {
		g.Go(func() error {
			found, err := d.source.SearchRecent(gctx, svc, d.cfg.Window, d.cfg.TraceLimit)
			if err != nil {
				level.Warn(d.logger).Log("msg", "trace fetch failed", "service", svc, "err", err)
				return nil
			}

			mtx.Lock()
			traces = append(traces, found...)
			mtx.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	seenTraces := make(map[string]struct{}, len(traces))
	for _, tr := range traces {
		if _, ok := seenTraces[tr.TraceID]; ok {
			continue
		}
		seenTraces[tr.TraceID] = struct{}{}

		for _, span := range tr.Spans {
			d.inspect(span)
		}
	}

	now := time.Now().UTC()
	d.mtx.Lock()
	for id, a := range d.active {
		if now.Sub(a.Timestamp) > d.cfg.Retention {
			delete(d.active, id)
		}
	}
	d.lastPolled = now
	metricActiveAnomalies.Set(float64(len(d.active)))
	d.mtx.Unlock()
}

func (d *Detector) inspect(span model.Span) {
	id := model.LatencyAnomalyID(span.TraceID, span.SpanID)
	if _, ok := d.seen.Get(id); ok {
		return
	}
	d.seen.Add(id, struct{}{})
	metricSpansInspected.Inc()

	mean, stdDev, sampleCount, thresholds, ok := d.resolveBaseline(span)
	if !ok {
		metricSkips.WithLabelValues("no_baseline").Inc()
		return
	}
	if sampleCount < d.cfg.MinSamples {
		metricSkips.WithLabelValues("min_samples").Inc()
		return
	}
	// sub-millisecond spread makes the ratio meaningless
	if stdDev < 1.0 {
		metricSkips.WithLabelValues("std_dev").Inc()
		return
	}

	deviation := (span.DurationMs - mean) / stdDev
	severity, ok := thresholds.Classify(deviation)
	if !ok {
		return
	}

	start := span.StartTime.UTC()
	anomaly := model.Anomaly{
		ID:             id,
		Kind:           model.KindLatency,
		TraceID:        span.TraceID,
		SpanID:         span.SpanID,
		Service:        span.Service,
		Operation:      span.Operation,
		Value:          span.DurationMs,
		ExpectedMean:   mean,
		ExpectedStdDev: stdDev,
		Deviation:      deviation,
		Severity:       severity,
		SeverityName:   severity.Name(),
		DayOfWeek:      int(start.Weekday()),
		HourOfDay:      start.Hour(),
		Timestamp:      start,
		Attributes:     span.Attributes,
	}

	d.mtx.Lock()
	if _, exists := d.active[id]; exists {
		d.mtx.Unlock()
		return
	}
	d.active[id] = anomaly
	d.mtx.Unlock()

	metricAnomalies.WithLabelValues(strconv.Itoa(int(severity))).Inc()
	level.Info(d.logger).Log("msg", "anomaly detected", "id", id, "service", span.Service,
		"operation", span.Operation, "deviation", deviation, "severity", severity.Name())

	go d.persist(anomaly)

	if severity <= model.SeverityModerate {
		d.analyzer.Enqueue(anomaly)
	}
}

// resolveBaseline prefers the time-of-day bucket with its learned thresholds,
// then the hot-window baseline with the default ladder.
func (d *Detector) resolveBaseline(span model.Span) (mean, stdDev float64, sampleCount int, thresholds model.Thresholds, ok bool) {
	if tb, found := d.timeBaselines.GetBaselineWithFallback(span.Service, span.Operation, span.StartTime); found {
		return tb.Mean, tb.StdDev, tb.SampleCount, tb.Thresholds, true
	}
	if sb, found := d.spanBaselines.GetBaseline(span.Service, span.Operation); found {
		return sb.Mean, sb.StdDev, sb.SampleCount, model.DefaultThresholds(), true
	}
	return 0, 0, 0, model.Thresholds{}, false
}

// persist writes the anomaly on its own context so a slow store cannot stall
// the detection cycle.
func (d *Detector) persist(a model.Anomaly) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.InsertAnomaly(ctx, a); err != nil {
		metricPersistFailures.Inc()
		level.Warn(d.logger).Log("msg", "failed to persist anomaly", "id", a.ID, "err", err)
	}
}

// Active returns the anomalies in the retention window, newest first.
func (d *Detector) Active() []model.Anomaly {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	out := make([]model.Anomaly, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Find returns the active anomaly with the given id, or the newest active
// anomaly of the trace when id is empty.
func (d *Detector) Find(traceID, anomalyID string) (model.Anomaly, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if anomalyID != "" {
		a, ok := d.active[anomalyID]
		return a, ok
	}

	var (
		best  model.Anomaly
		found bool
	)
	for _, a := range d.active {
		if a.TraceID != traceID {
			continue
		}
		if !found || a.Timestamp.After(best.Timestamp) {
			best = a
			found = true
		}
	}
	return best, found
}

// ServiceHealth is the per-service rollup of the active window.
type ServiceHealth struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	ActiveAnomalies int    `json:"activeAnomalies"`
}

// HealthReport is the payload of the health operation. It always answers,
// regardless of backend state.
type HealthReport struct {
	Status     string          `json:"status"`
	Services   []ServiceHealth `json:"services"`
	LastPolled time.Time       `json:"lastPolled"`
}

// Health derives per-service status from the active anomalies: critical for
// severity Major or worse, warning for Moderate or Minor, healthy otherwise.
func (d *Detector) Health() HealthReport {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	type rollup struct {
		count    int
		critical bool
		warning  bool
	}
	perService := make(map[string]*rollup, len(d.monitored))
	for _, svc := range d.monitored {
		perService[svc] = &rollup{}
	}
	for _, a := range d.active {
		r, ok := perService[a.Service]
		if !ok {
			r = &rollup{}
			perService[a.Service] = r
		}
		r.count++
		switch {
		case a.Severity <= model.SeverityMajor:
			r.critical = true
		case a.Severity <= model.SeverityMinor:
			r.warning = true
		}
	}

	report := HealthReport{Status: "healthy", LastPolled: d.lastPolled}
	names := make([]string, 0, len(perService))
	for name := range perService {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := perService[name]
		status := "healthy"
		switch {
		case r.critical:
			status = "critical"
		case r.warning:
			status = "warning"
		}
		report.Services = append(report.Services, ServiceHealth{
			Name:            name,
			Status:          status,
			ActiveAnomalies: r.count,
		})
	}

	for _, svc := range report.Services {
		if svc.Status == "critical" {
			report.Status = "critical"
			break
		}
		if svc.Status == "warning" {
			report.Status = "warning"
		}
	}

	return report
}

// LastPolled returns the completion time of the most recent cycle.
func (d *Detector) LastPolled() time.Time {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	return d.lastPolled
}

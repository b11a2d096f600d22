package profiler

import (
	"context"
	"flag"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/kx-labs/tracewatch/pkg/model"
	"github.com/kx-labs/tracewatch/pkg/stats"
)

var (
	metricTracesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "profiler_traces_fetched_total",
		Help:      "The total number of traces fetched per service",
	}, []string{"service"})
	metricFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "profiler_fetch_failures_total",
		Help:      "The total number of failed trace fetches per service",
	}, []string{"service"})
	metricBaselineKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracewatch",
		Name:      "profiler_baseline_keys",
		Help:      "The number of span keys with a live baseline",
	})
	metricRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tracewatch",
		Name:      "profiler_refresh_duration_seconds",
		Help:      "Time taken to rebuild the hot-window baselines",
		Buckets:   prometheus.DefBuckets,
	})
)

// TraceSource supplies recently finished traces for one service.
type TraceSource interface {
	SearchRecent(ctx context.Context, service string, window time.Duration, limit int) ([]model.Trace, error)
}

// Config for the online profiler.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Window       time.Duration `yaml:"window"`
	TraceLimit   int           `yaml:"trace_limit"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.PollInterval = 30 * time.Second
	cfg.Window = time.Hour
	cfg.TraceLimit = 100
}

// Profiler maintains rolling per-(service, operation) latency baselines over
// the trailing hot window. Every cycle fully recomputes the statistics for
// the keys observed in that window; keys absent from a cycle keep their last
// baseline.
type Profiler struct {
	services.Service

	cfg       Config
	source    TraceSource
	monitored []string
	logger    log.Logger

	mtx        sync.RWMutex
	baselines  map[string]model.SpanBaseline
	lastPolled time.Time
}

func New(cfg Config, source TraceSource, monitored []string, logger log.Logger) *Profiler {
	p := &Profiler{
		cfg:       cfg,
		source:    source,
		monitored: monitored,
		logger:    logger,
		baselines: make(map[string]model.SpanBaseline),
	}
	p.Service = services.NewBasicService(nil, p.running, nil)
	return p
}

func (p *Profiler) running(ctx context.Context) error {
	p.refresh(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// refresh rebuilds the baselines from the current hot window. A failing
// service is logged and skipped, the remaining services still update.
func (p *Profiler) refresh(ctx context.Context) {
	start := time.Now()

	var (
		mtx    sync.Mutex
		traces []model.Trace
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range p.monitored {
		g.Go(func() error {
			found, err := p.source.SearchRecent(gctx, svc, p.cfg.Window, p.cfg.TraceLimit)
			if err != nil {
				metricFetchFailures.WithLabelValues(svc).Inc()
				level.Warn(p.logger).Log("msg", "trace fetch failed", "service", svc, "err", err)
				return nil
			}
			metricTracesFetched.WithLabelValues(svc).Add(float64(len(found)))

			mtx.Lock()
			traces = append(traces, found...)
			mtx.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	durations := make(map[string][]float64)
	for _, tr := range traces {
		for _, span := range tr.Spans {
			key := span.Key()
			durations[key] = append(durations[key], span.DurationMs)
		}
	}

	now := time.Now().UTC()
	p.mtx.Lock()
	for key, values := range durations {
		service, operation := model.SplitSpanKey(key)
		summary := stats.Summarize(values)
		p.baselines[key] = model.SpanBaseline{
			SpanKey:     key,
			Service:     service,
			Operation:   operation,
			Mean:        summary.Mean,
			StdDev:      summary.StdDev,
			Variance:    summary.Variance,
			P50:         summary.P50,
			P95:         summary.P95,
			P99:         summary.P99,
			Min:         summary.Min,
			Max:         summary.Max,
			SampleCount: summary.Count,
			LastUpdated: now,
		}
	}
	p.lastPolled = now
	metricBaselineKeys.Set(float64(len(p.baselines)))
	p.mtx.Unlock()

	metricRefreshDuration.Observe(time.Since(start).Seconds())
}

// GetBaseline returns the hot-window baseline for a (service, operation)
// pair.
func (p *Profiler) GetBaseline(service, operation string) (model.SpanBaseline, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	b, ok := p.baselines[model.SpanKey(service, operation)]
	return b, ok
}

// Baselines returns all baselines sorted by sample count descending.
func (p *Profiler) Baselines() []model.SpanBaseline {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out := make([]model.SpanBaseline, 0, len(p.baselines))
	for _, b := range p.baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampleCount > out[j].SampleCount })
	return out
}

// LastPolled returns the completion time of the most recent cycle.
func (p *Profiler) LastPolled() time.Time {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return p.lastPolled
}

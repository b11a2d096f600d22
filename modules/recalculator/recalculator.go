package recalculator

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	uberatomic "go.uber.org/atomic"

	"github.com/kx-labs/tracewatch/pkg/model"
	"github.com/kx-labs/tracewatch/pkg/stats"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "recalculator_runs_total",
		Help:      "The total number of recalculation runs by outcome",
	}, []string{"outcome"})
	metricRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tracewatch",
		Name:      "recalculator_run_duration_seconds",
		Help:      "Time taken by a full recalculation run",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	metricTimeBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracewatch",
		Name:      "recalculator_time_buckets",
		Help:      "The number of (spanKey, dayOfWeek, hourOfDay) buckets held in memory",
	})
)

// RefusalMessage is returned verbatim when a run is already in flight.
const RefusalMessage = "Calculation already in progress"

// TraceSource supplies historical traces for one service and time range.
type TraceSource interface {
	SearchRange(ctx context.Context, service string, start, end time.Time, limit int) ([]model.Trace, error)
}

// Store is the slice of the history store the recalculator needs.
type Store interface {
	UpsertSpanBaselines(ctx context.Context, baselines []model.SpanBaseline) error
	UpsertTimeBaselines(ctx context.Context, baselines []model.TimeBaseline) error
	TimeBaselines(ctx context.Context) ([]model.TimeBaseline, error)
	Watermark(ctx context.Context, service string) (model.Watermark, bool, error)
	SetWatermark(ctx context.Context, wm model.Watermark) error
	ClearWatermarks(ctx context.Context) error
}

// Config for the baseline recalculator.
type Config struct {
	Lookback            time.Duration `yaml:"lookback"`
	TraceLimit          int           `yaml:"trace_limit"`
	MinBucketSamples    int           `yaml:"min_bucket_samples"`
	MinThresholdSamples int           `yaml:"min_threshold_samples"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.Lookback = 30 * 24 * time.Hour
	cfg.TraceLimit = 5000
	cfg.MinBucketSamples = 10
	cfg.MinThresholdSamples = 10
}

// Result of one recalculation request.
type Result struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	BaselinesCount int    `json:"baselinesCount"`
	IsIncremental  bool   `json:"isIncremental"`
	DurationMs     int64  `json:"durationMs"`
}

// Status reports the recalculator state for the control surface.
type Status struct {
	IsCalculating  bool      `json:"isCalculating"`
	LastRun        time.Time `json:"lastRun"`
	LastDurationMs int64     `json:"lastDurationMs"`
	BaselineCount  int       `json:"baselineCount"`
}

type bucketKey struct {
	Key  string
	Day  int
	Hour int
}

// Recalculator rebuilds (dayOfWeek, hourOfDay) time baselines from up to
// thirty days of historical traces. Runs are mutually exclusive; concurrent
// callers are refused without side effects. Per-service watermarks make
// subsequent runs incremental and advance only after the recomputed rows
// were durably upserted.
type Recalculator struct {
	services.Service

	cfg       Config
	source    TraceSource
	store     Store
	monitored []string
	logger    log.Logger

	calculating uberatomic.Bool

	mtx          sync.RWMutex
	buckets      map[bucketKey]model.TimeBaseline
	lastRun      time.Time
	lastDuration time.Duration
}

func New(cfg Config, source TraceSource, store Store, monitored []string, logger log.Logger) *Recalculator {
	r := &Recalculator{
		cfg:       cfg,
		source:    source,
		store:     store,
		monitored: monitored,
		logger:    logger,
		buckets:   make(map[bucketKey]model.TimeBaseline),
	}
	r.Service = services.NewIdleService(r.starting, nil)
	return r
}

// starting reloads previously computed time baselines so detection has
// thresholds before the first run of this process.
func (r *Recalculator) starting(ctx context.Context) error {
	loaded, err := r.store.TimeBaselines(ctx)
	if err != nil {
		level.Warn(r.logger).Log("msg", "could not reload time baselines", "err", err)
		return nil
	}

	r.mtx.Lock()
	for _, b := range loaded {
		r.buckets[bucketKey{Key: b.SpanKey, Day: b.DayOfWeek, Hour: b.HourOfDay}] = b
	}
	metricTimeBuckets.Set(float64(len(r.buckets)))
	r.mtx.Unlock()

	if len(loaded) > 0 {
		level.Info(r.logger).Log("msg", "reloaded time baselines", "count", len(loaded))
	}
	return nil
}

// Recalculate runs one pass over all monitored services. full discards the
// watermarks first and rebuilds from the complete lookback window.
func (r *Recalculator) Recalculate(ctx context.Context, full bool) Result {
	if !r.calculating.CompareAndSwap(false, true) {
		metricRuns.WithLabelValues("refused").Inc()
		return Result{Success: false, Message: RefusalMessage}
	}
	defer r.calculating.Store(false)

	start := time.Now()
	now := start.UTC()

	if full {
		if err := r.store.ClearWatermarks(ctx); err != nil {
			level.Warn(r.logger).Log("msg", "failed to clear watermarks", "err", err)
		}
	}

	incremental := false
	seenTraces := make(map[string]struct{})
	processed := 0

	for _, svc := range r.monitored {
		windowStart := now.Add(-r.cfg.Lookback)
		if !full {
			wm, found, err := r.store.Watermark(ctx, svc)
			if err != nil {
				level.Warn(r.logger).Log("msg", "failed to read watermark", "service", svc, "err", err)
			}
			if found {
				incremental = true
				if wm.LastTraceTime.After(windowStart) {
					windowStart = wm.LastTraceTime
				}
			}
		}

		traces, err := r.source.SearchRange(ctx, svc, windowStart, now, r.cfg.TraceLimit)
		if err != nil {
			level.Warn(r.logger).Log("msg", "historical trace fetch failed", "service", svc, "err", err)
			continue
		}
		if len(traces) == 0 {
			continue
		}

		maxStart := windowStart
		fresh := make([]model.Trace, 0, len(traces))
		for _, tr := range traces {
			for _, span := range tr.Spans {
				if span.StartTime.After(maxStart) {
					maxStart = span.StartTime
				}
			}
			if _, ok := seenTraces[tr.TraceID]; ok {
				continue
			}
			seenTraces[tr.TraceID] = struct{}{}
			fresh = append(fresh, tr)
		}

		timeBaselines, spanBaselines := r.compute(fresh, now)
		processed += len(timeBaselines)

		if err := r.store.UpsertTimeBaselines(ctx, timeBaselines); err != nil {
			level.Warn(r.logger).Log("msg", "failed to persist time baselines", "service", svc, "err", err)
			r.merge(timeBaselines)
			continue
		}
		if err := r.store.UpsertSpanBaselines(ctx, spanBaselines); err != nil {
			level.Warn(r.logger).Log("msg", "failed to persist span baselines", "service", svc, "err", err)
			r.merge(timeBaselines)
			continue
		}

		// the watermark only advances once the rows are durable, a crash
		// before this point replays the same window
		if err := r.store.SetWatermark(ctx, model.Watermark{
			Service:          svc,
			LastTraceTime:    maxStart,
			ProcessingStatus: "completed",
			UpdatedAt:        time.Now().UTC(),
		}); err != nil {
			level.Warn(r.logger).Log("msg", "failed to advance watermark", "service", svc, "err", err)
		}

		r.merge(timeBaselines)
	}

	duration := time.Since(start)
	r.mtx.Lock()
	r.lastRun = now
	r.lastDuration = duration
	total := len(r.buckets)
	r.mtx.Unlock()

	metricRuns.WithLabelValues("success").Inc()
	metricRunDuration.Observe(duration.Seconds())

	return Result{
		Success:        true,
		Message:        fmt.Sprintf("recalculated %d time baselines across %d services", processed, len(r.monitored)),
		BaselinesCount: total,
		IsIncremental:  !full && incremental,
		DurationMs:     duration.Milliseconds(),
	}
}

// compute buckets every span by (spanKey, dayOfWeek, hourOfDay) in UTC and
// derives per-bucket statistics plus adaptive thresholds, and aggregate
// per-key span baselines over the same window.
func (r *Recalculator) compute(traces []model.Trace, now time.Time) ([]model.TimeBaseline, []model.SpanBaseline) {
	bucketDurations := make(map[bucketKey][]float64)
	keyDurations := make(map[string][]float64)

	for _, tr := range traces {
		for _, span := range tr.Spans {
			key := span.Key()
			start := span.StartTime.UTC()
			bk := bucketKey{Key: key, Day: int(start.Weekday()), Hour: start.Hour()}
			bucketDurations[bk] = append(bucketDurations[bk], span.DurationMs)
			keyDurations[key] = append(keyDurations[key], span.DurationMs)
		}
	}

	timeBaselines := make([]model.TimeBaseline, 0, len(bucketDurations))
	for bk, values := range bucketDurations {
		summary := stats.Summarize(values)
		service, operation := model.SplitSpanKey(bk.Key)

		thresholds := model.DefaultThresholds()
		if summary.StdDev > 0 {
			deviations := make([]float64, 0, len(values))
			for _, v := range values {
				deviations = append(deviations, (v-summary.Mean)/summary.StdDev)
			}
			thresholds = stats.AdaptiveThresholds(deviations, r.cfg.MinThresholdSamples)
		}

		timeBaselines = append(timeBaselines, model.TimeBaseline{
			SpanBaseline: model.SpanBaseline{
				SpanKey:     bk.Key,
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
			},
			DayOfWeek:  bk.Day,
			HourOfDay:  bk.Hour,
			Thresholds: thresholds,
		})
	}

	spanBaselines := make([]model.SpanBaseline, 0, len(keyDurations))
	for key, values := range keyDurations {
		summary := stats.Summarize(values)
		service, operation := model.SplitSpanKey(key)
		spanBaselines = append(spanBaselines, model.SpanBaseline{
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
		})
	}

	return timeBaselines, spanBaselines
}

func (r *Recalculator) merge(baselines []model.TimeBaseline) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, b := range baselines {
		r.buckets[bucketKey{Key: b.SpanKey, Day: b.DayOfWeek, Hour: b.HourOfDay}] = b
	}
	metricTimeBuckets.Set(float64(len(r.buckets)))
}

// GetBaselineWithFallback resolves the time baseline for ts. When the exact
// (day, hour) bucket is missing or thin it walks outward: same hour on other
// days, then other hours on the same day, then any bucket of the key. The
// first bucket holding at least MinBucketSamples samples wins.
func (r *Recalculator) GetBaselineWithFallback(service, operation string, ts time.Time) (model.TimeBaseline, bool) {
	key := model.SpanKey(service, operation)
	utc := ts.UTC()
	day, hour := int(utc.Weekday()), utc.Hour()

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if b, ok := r.buckets[bucketKey{Key: key, Day: day, Hour: hour}]; ok && b.SampleCount >= r.cfg.MinBucketSamples {
		return b, true
	}

	for d := 0; d < 7; d++ {
		if d == day {
			continue
		}
		if b, ok := r.buckets[bucketKey{Key: key, Day: d, Hour: hour}]; ok && b.SampleCount >= r.cfg.MinBucketSamples {
			return b, true
		}
	}

	for h := 0; h < 24; h++ {
		if h == hour {
			continue
		}
		if b, ok := r.buckets[bucketKey{Key: key, Day: day, Hour: h}]; ok && b.SampleCount >= r.cfg.MinBucketSamples {
			return b, true
		}
	}

	for d := 0; d < 7; d++ {
		for h := 0; h < 24; h++ {
			if b, ok := r.buckets[bucketKey{Key: key, Day: d, Hour: h}]; ok && b.SampleCount >= r.cfg.MinBucketSamples {
				return b, true
			}
		}
	}

	return model.TimeBaseline{}, false
}

// TimeBaselines returns a sorted snapshot of all in-memory buckets.
func (r *Recalculator) TimeBaselines() []model.TimeBaseline {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]model.TimeBaseline, 0, len(r.buckets))
	for _, b := range r.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpanKey != out[j].SpanKey {
			return out[i].SpanKey < out[j].SpanKey
		}
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].HourOfDay < out[j].HourOfDay
	})
	return out
}

// Status reports whether a run is in flight and the shape of the last one.
func (r *Recalculator) Status() Status {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return Status{
		IsCalculating:  r.calculating.Load(),
		LastRun:        r.lastRun,
		LastDurationMs: r.lastDuration.Milliseconds(),
		BaselineCount:  len(r.buckets),
	}
}

package analyzer

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	uberatomic "go.uber.org/atomic"

	"github.com/kx-labs/tracewatch/modules/bus"
	"github.com/kx-labs/tracewatch/pkg/model"
)

var tracer = otel.Tracer("modules/analyzer")

var (
	metricAnalyses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "analyzer_analyses_total",
		Help:      "The total number of LLM analyses by status and use case",
	}, []string{"status", "use_case"})
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "analyzer_events_total",
		Help:      "The total number of enqueued anomalies by severity",
	}, []string{"severity"})
	metricDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tracewatch",
		Name:      "analyzer_analysis_duration_seconds",
		Help:      "Time taken by one LLM dispatch",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracewatch",
		Name:      "analyzer_queue_depth",
		Help:      "The number of anomalies waiting for dispatch",
	})
	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "analyzer_events_dropped_total",
		Help:      "The total number of anomalies dropped before dispatch by reason",
	}, []string{"reason"})
)

// ErrNoAnomaly is returned by AnalyzeTrace when neither an active anomaly
// nor a cached analysis references the trace.
var ErrNoAnomaly = errors.New("no anomaly found for trace")

// LLM streams a completion for a prompt.
type LLM interface {
	Generate(ctx context.Context, prompt string, onChunk func(string)) (string, error)
}

// TraceSource fetches one full trace as auxiliary analysis context.
type TraceSource interface {
	Trace(ctx context.Context, traceID string) (model.Trace, error)
}

// AnomalyFinder resolves active anomalies for one-shot analysis.
type AnomalyFinder interface {
	Find(traceID, anomalyID string) (model.Anomaly, bool)
}

// Cache holds completed analyses.
type Cache interface {
	CacheAnalysis(model.Analysis)
	CachedAnalysis(id string) (model.Analysis, bool)
	CachedAnalysisForTrace(traceID string) (model.Analysis, bool)
}

// Config for the stream analyzer.
type Config struct {
	MaxQueue        int           `yaml:"max_queue"`
	BatchSize       int           `yaml:"batch_size"`
	BatchWait       time.Duration `yaml:"batch_wait"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.MaxQueue = 100
	cfg.BatchSize = 10
	cfg.BatchWait = 30 * time.Second
	cfg.DispatchTimeout = 2 * time.Minute
}

// Analyzer buffers anomalies and turns them into streamed LLM explanations.
// The queue is hard-capped, overflow is dropped and counted, never blocked.
// Dispatches are serialized; within one dispatch chunks reach the bus in the
// LLM's output order, bracketed by analysis-start and analysis-complete.
type Analyzer struct {
	services.Service

	cfg    Config
	llm    LLM
	bus    bus.Publisher
	traces TraceSource
	finder AnomalyFinder
	cache  Cache
	logger log.Logger

	processing uberatomic.Bool
	wake       chan struct{}

	mtx          sync.Mutex
	queue        []model.Anomaly
	firstPending time.Time
}

func New(cfg Config, llm LLM, publisher bus.Publisher, traces TraceSource, finder AnomalyFinder, cache Cache, logger log.Logger) *Analyzer {
	a := &Analyzer{
		cfg:    cfg,
		llm:    llm,
		bus:    publisher,
		traces: traces,
		finder: finder,
		cache:  cache,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	a.Service = services.NewBasicService(nil, a.running, nil)
	return a
}

// running drives the batching clock: dispatch once the batch is full, or
// BatchWait after the first pending item, whichever comes first.
func (a *Analyzer) running(ctx context.Context) error {
	for {
		pending, oldest := a.pendingState()

		if pending >= a.cfg.BatchSize {
			a.dispatch(ctx)
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if pending > 0 {
			wait := a.cfg.BatchWait - time.Since(oldest)
			if wait <= 0 {
				a.dispatch(ctx)
				continue
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-a.wake:
		case <-timerC:
			a.dispatch(ctx)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Enqueue offers an anomaly for batched analysis. P0 use cases raise an
// immediate alert on the bus regardless of batching. Returns false when the
// queue is full and the event was dropped.
func (a *Analyzer) Enqueue(anomaly model.Anomaly) bool {
	metricEvents.WithLabelValues(strconv.Itoa(int(anomaly.Severity))).Inc()

	uc := Classify(anomaly)
	if uc.Priority == P0 {
		a.bus.Publish(bus.Alert("critical", alertMessage(uc, anomaly), map[string]any{
			"anomalyId": anomaly.ID,
			"service":   anomaly.Service,
			"operation": anomaly.Operation,
			"useCase":   uc.Name,
		}))
	}

	a.mtx.Lock()
	if len(a.queue) >= a.cfg.MaxQueue {
		a.mtx.Unlock()
		metricDropped.WithLabelValues("queue_full").Inc()
		level.Warn(a.logger).Log("msg", "analysis queue full, dropping anomaly", "id", anomaly.ID)
		return false
	}
	if len(a.queue) == 0 {
		a.firstPending = time.Now()
	}
	a.queue = append(a.queue, anomaly)
	depth := len(a.queue)
	a.mtx.Unlock()

	metricQueueDepth.Set(float64(depth))
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// QueueDepth returns the number of anomalies waiting for dispatch.
func (a *Analyzer) QueueDepth() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.queue)
}

func (a *Analyzer) pendingState() (int, time.Time) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.queue), a.firstPending
}

// take removes up to one batch from the queue.
func (a *Analyzer) take() []model.Anomaly {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	n := len(a.queue)
	if n == 0 {
		return nil
	}
	if n > a.cfg.BatchSize {
		n = a.cfg.BatchSize
	}
	batch := make([]model.Anomaly, n)
	copy(batch, a.queue[:n])
	a.queue = append(a.queue[:0], a.queue[n:]...)
	if len(a.queue) == 0 {
		a.firstPending = time.Time{}
	} else {
		a.firstPending = time.Now()
	}
	metricQueueDepth.Set(float64(len(a.queue)))
	return batch
}

// dispatch drains the queue one batch at a time. Only one dispatch runs at a
// time; callers that lose the race simply return, the winner keeps draining
// until the queue is empty.
func (a *Analyzer) dispatch(ctx context.Context) {
	if !a.processing.CompareAndSwap(false, true) {
		return
	}
	defer a.processing.Store(false)

	for {
		batch := a.take()
		if len(batch) == 0 {
			return
		}
		a.analyze(ctx, batch)
	}
}

// analyze runs one LLM dispatch for a batch. A panic must not kill the
// dispatch loop.
func (a *Analyzer) analyze(ctx context.Context, batch []model.Anomaly) {
	defer func() {
		if p := recover(); p != nil {
			level.Error(a.logger).Log("msg", "analysis panicked", "panic", p, "stack", debug.Stack())
		}
	}()

	ids := make([]string, 0, len(batch))
	for _, an := range batch {
		ids = append(ids, an.ID)
	}
	uc := batchUseCase(batch)

	ctx, span := tracer.Start(ctx, "Analyzer.analyze")
	span.SetAttributes(
		attribute.String("useCase", uc.Name),
		attribute.Int("batchSize", len(batch)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	a.bus.Publish(bus.AnalysisStart(ids))

	full, err := a.llm.Generate(ctx, buildPrompt(uc, batch), func(chunk string) {
		a.bus.Publish(bus.AnalysisChunk(chunk, ids))
	})
	if err != nil {
		span.RecordError(err)
		metricAnalyses.WithLabelValues("error", uc.Name).Inc()
		level.Warn(a.logger).Log("msg", "analysis failed", "use_case", uc.Name, "err", err)
		a.bus.Publish(bus.AnalysisComplete(ids, "Analysis failed: "+err.Error()))
		return
	}

	a.bus.Publish(bus.AnalysisComplete(ids, full))
	a.cache.CacheAnalysis(model.Analysis{
		AnomalyIDs: ids,
		UseCase:    uc.Name,
		Text:       full,
		CreatedAt:  time.Now().UTC(),
	})

	metricAnalyses.WithLabelValues("success", uc.Name).Inc()
	metricDuration.Observe(time.Since(start).Seconds())
	level.Info(a.logger).Log("msg", "analysis complete", "use_case", uc.Name, "anomalies", len(batch),
		"duration", time.Since(start))
}

// AnalyzeTrace serves the control surface's one-shot analysis: a cached
// analysis when one covers the trace, otherwise a fresh dispatch for the
// referenced anomaly with the full trace as auxiliary context.
func (a *Analyzer) AnalyzeTrace(ctx context.Context, traceID, anomalyID string) (model.Analysis, error) {
	if anomalyID != "" {
		if cached, ok := a.cache.CachedAnalysis(anomalyID); ok {
			return cached, nil
		}
	} else if cached, ok := a.cache.CachedAnalysisForTrace(traceID); ok {
		return cached, nil
	}

	anomaly, ok := a.finder.Find(traceID, anomalyID)
	if !ok {
		return model.Analysis{}, ErrNoAnomaly
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.DispatchTimeout)
	defer cancel()

	uc := Classify(anomaly)
	prompt := buildPrompt(uc, []model.Anomaly{anomaly})

	// the full trace is best-effort context, detection already happened
	if trace, err := a.traces.Trace(ctx, traceID); err == nil {
		prompt += traceContext(trace)
	} else {
		level.Warn(a.logger).Log("msg", "could not fetch trace for analysis context", "traceID", traceID, "err", err)
	}

	ids := []string{anomaly.ID}
	a.bus.Publish(bus.AnalysisStart(ids))
	full, err := a.llm.Generate(ctx, prompt, func(chunk string) {
		a.bus.Publish(bus.AnalysisChunk(chunk, ids))
	})
	if err != nil {
		metricAnalyses.WithLabelValues("error", uc.Name).Inc()
		a.bus.Publish(bus.AnalysisComplete(ids, "Analysis failed: "+err.Error()))
		return model.Analysis{}, err
	}
	a.bus.Publish(bus.AnalysisComplete(ids, full))

	analysis := model.Analysis{
		AnomalyIDs: ids,
		UseCase:    uc.Name,
		Text:       full,
		CreatedAt:  time.Now().UTC(),
	}
	a.cache.CacheAnalysis(analysis)
	metricAnalyses.WithLabelValues("success", uc.Name).Inc()
	return analysis, nil
}

// batchUseCase classifies every anomaly and keeps the highest priority, ties
// broken by arrival order.
func batchUseCase(batch []model.Anomaly) UseCase {
	best := Classify(batch[0])
	for _, an := range batch[1:] {
		if uc := Classify(an); uc.Priority < best.Priority {
			best = uc
		}
	}
	return best
}

// buildPrompt renders the preamble plus one numbered line per anomaly.
func buildPrompt(uc UseCase, batch []model.Anomaly) string {
	var b strings.Builder
	b.WriteString(uc.Preamble)
	b.WriteByte('\n')

	for i, an := range batch {
		fmt.Fprintf(&b, "%d. [SEV%d] %s:%s %.0fms (+%.1fσ)", i+1, an.Severity, an.Service, an.Operation, an.Value, an.Deviation)
		if code := an.Attributes.Int("http.status_code"); code > 0 {
			fmt.Fprintf(&b, " HTTP %d", code)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// traceContext summarizes the slowest spans of a trace for the prompt.
func traceContext(trace model.Trace) string {
	if len(trace.Spans) == 0 {
		return ""
	}

	spans := make([]model.Span, len(trace.Spans))
	copy(spans, trace.Spans)
	sort.Slice(spans, func(i, j int) bool { return spans[i].DurationMs > spans[j].DurationMs })
	if len(spans) > 5 {
		spans = spans[:5]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trace context (%d spans, slowest first):\n", len(trace.Spans))
	for _, sp := range spans {
		fmt.Fprintf(&b, "- %s:%s %.0fms\n", sp.Service, sp.Operation, sp.DurationMs)
	}
	return b.String()
}

func alertMessage(uc UseCase, an model.Anomaly) string {
	return fmt.Sprintf("%s: %s:%s at %.0fms (+%.1fσ)", uc.Title, an.Service, an.Operation, an.Value, an.Deviation)
}

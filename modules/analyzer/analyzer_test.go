package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kx-labs/tracewatch/modules/bus"
	"github.com/kx-labs/tracewatch/pkg/model"
)

type fakeBus struct {
	mtx      sync.Mutex
	messages []bus.Message
}

func (f *fakeBus) Publish(m bus.Message) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeBus) byType(t bus.MessageType) []bus.Message {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	var out []bus.Message
	for _, m := range f.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBus) types() []bus.MessageType {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	out := make([]bus.MessageType, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m.Type)
	}
	return out
}

type fakeLLM struct {
	mtx     sync.Mutex
	chunks  []string
	err     error
	prompts []string
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, onChunk func(string)) (string, error) {
	f.mtx.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mtx.Unlock()

	if f.err != nil {
		return "", f.err
	}
	var full strings.Builder
	for _, c := range f.chunks {
		full.WriteString(c)
		if onChunk != nil {
			onChunk(c)
		}
	}
	return full.String(), nil
}

func (f *fakeLLM) calls() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.prompts)
}

type fakeCache struct {
	mtx      sync.Mutex
	analyses map[string]model.Analysis
}

func newFakeCache() *fakeCache {
	return &fakeCache{analyses: make(map[string]model.Analysis)}
}

func (f *fakeCache) CacheAnalysis(a model.Analysis) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, id := range a.AnomalyIDs {
		f.analyses[id] = a
	}
}

func (f *fakeCache) CachedAnalysis(id string) (model.Analysis, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	a, ok := f.analyses[id]
	return a, ok
}

func (f *fakeCache) CachedAnalysisForTrace(traceID string) (model.Analysis, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for id, a := range f.analyses {
		if strings.HasPrefix(id, traceID+"-") {
			return a, true
		}
	}
	return model.Analysis{}, false
}

type fakeFinder struct {
	anomaly model.Anomaly
	found   bool
}

func (f *fakeFinder) Find(string, string) (model.Anomaly, bool) {
	return f.anomaly, f.found
}

type fakeTraces struct {
	trace model.Trace
	err   error
}

func (f *fakeTraces) Trace(context.Context, string) (model.Trace, error) {
	return f.trace, f.err
}

func anomaly(id string, severity model.Severity) model.Anomaly {
	return model.Anomaly{
		ID:           id,
		Kind:         model.KindLatency,
		TraceID:      strings.Split(id, "-")[0],
		Service:      "kx-wallet",
		Operation:    "transfer",
		Value:        900,
		ExpectedMean: 100,
		Deviation:    4.0,
		Severity:     severity,
		SeverityName: severity.Name(),
		Timestamp:    time.Now().UTC(),
	}
}

func newTestAnalyzer(llm *fakeLLM, publisher *fakeBus) (*Analyzer, *fakeCache) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)

	cache := newFakeCache()
	a := New(cfg, llm, publisher, &fakeTraces{}, &fakeFinder{}, cache, log.NewNopLogger())
	return a, cache
}

func TestDispatchBracketsChunks(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"the wallet ", "is slow"}}
	publisher := &fakeBus{}
	a, cache := newTestAnalyzer(llm, publisher)

	require.True(t, a.Enqueue(anomaly("t1-s1", model.SeverityCritical)))
	a.dispatch(context.Background())

	types := publisher.types()
	require.Equal(t, []bus.MessageType{
		bus.MessageAnalysisStart,
		bus.MessageAnalysisChunk,
		bus.MessageAnalysisChunk,
		bus.MessageAnalysisComplete,
	}, types)

	complete := publisher.byType(bus.MessageAnalysisComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "the wallet is slow", complete[0].Data)
	assert.Equal(t, []string{"t1-s1"}, complete[0].AnomalyIDs)

	cached, ok := cache.CachedAnalysis("t1-s1")
	require.True(t, ok)
	assert.Equal(t, "the wallet is slow", cached.Text)
}

func TestDispatchErrorCompletesWithFailure(t *testing.T) {
	llm := &fakeLLM{err: errors.New("model offline")}
	publisher := &fakeBus{}
	a, cache := newTestAnalyzer(llm, publisher)

	a.Enqueue(anomaly("t1-s1", model.SeverityCritical))
	a.dispatch(context.Background())

	complete := publisher.byType(bus.MessageAnalysisComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "Analysis failed: model offline", complete[0].Data)

	_, ok := cache.CachedAnalysis("t1-s1")
	assert.False(t, ok)
}

func TestQueueCapDropsOverflow(t *testing.T) {
	publisher := &fakeBus{}
	a, _ := newTestAnalyzer(&fakeLLM{}, publisher)

	for i := 0; i < a.cfg.MaxQueue; i++ {
		require.True(t, a.Enqueue(anomaly(fmt.Sprintf("t%d-s1", i), model.SeverityModerate)))
	}
	assert.Equal(t, a.cfg.MaxQueue, a.QueueDepth())

	// the 101st is dropped, not blocked
	assert.False(t, a.Enqueue(anomaly("overflow-s1", model.SeverityModerate)))
	assert.Equal(t, a.cfg.MaxQueue, a.QueueDepth())
}

func TestPaymentGatewayAlertPrecedesDispatch(t *testing.T) {
	publisher := &fakeBus{}
	a, _ := newTestAnalyzer(&fakeLLM{chunks: []string{"down"}}, publisher)

	an := anomaly("t1-s1", model.SeverityCritical)
	an.Service = "payment-service"
	an.Attributes = model.Attributes{
		"http.status_code": model.IntValue(500),
		"error":            model.BoolValue(true),
	}
	a.Enqueue(an)

	types := publisher.types()
	require.NotEmpty(t, types)
	assert.Equal(t, bus.MessageAlert, types[0])

	alerts := publisher.byType(bus.MessageAlert)
	data, ok := alerts[0].Data.(bus.AlertData)
	require.True(t, ok)
	assert.Equal(t, "critical", data.Severity)
	assert.Contains(t, data.Message, "Payment Gateway Down")

	a.dispatch(context.Background())
	assert.NotEmpty(t, publisher.byType(bus.MessageAnalysisComplete))
}

// A full batch dispatches without waiting for the batch timer.
func TestFullBatchDispatchesImmediately(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"ok"}}
	publisher := &fakeBus{}
	a, _ := newTestAnalyzer(llm, publisher)
	a.cfg.BatchWait = time.Hour

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), a))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), a))
	}()

	for i := 0; i < a.cfg.BatchSize; i++ {
		a.Enqueue(anomaly(fmt.Sprintf("t%d-s1", i), model.SeverityModerate))
	}

	require.Eventually(t, func() bool {
		return llm.calls() == 1 && a.QueueDepth() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPartialBatchDispatchesAfterWait(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"ok"}}
	publisher := &fakeBus{}
	a, _ := newTestAnalyzer(llm, publisher)
	a.cfg.BatchWait = 50 * time.Millisecond

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), a))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), a))
	}()

	a.Enqueue(anomaly("t1-s1", model.SeverityModerate))

	require.Eventually(t, func() bool {
		return llm.calls() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBatchesAreCappedAtBatchSize(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"ok"}}
	publisher := &fakeBus{}
	a, _ := newTestAnalyzer(llm, publisher)

	for i := 0; i < a.cfg.BatchSize+3; i++ {
		a.Enqueue(anomaly(fmt.Sprintf("t%d-s1", i), model.SeverityModerate))
	}
	a.dispatch(context.Background())

	// drained in two batches: a full one and the remainder
	starts := publisher.byType(bus.MessageAnalysisStart)
	require.Len(t, starts, 2)
	assert.Len(t, starts[0].AnomalyIDs, a.cfg.BatchSize)
	assert.Len(t, starts[1].AnomalyIDs, 3)
	assert.Zero(t, a.QueueDepth())
}

func TestPromptFormat(t *testing.T) {
	an := anomaly("t1-s1", model.SeverityCritical)
	an.Service = "kx-wallet"
	an.Operation = "transfer"
	an.Value = 850
	an.Deviation = 3.5
	an.Attributes = model.Attributes{"http.status_code": model.IntValue(504)}

	prompt := buildPrompt(Classify(an), []model.Anomaly{an})

	assert.Contains(t, prompt, "1. [SEV1] kx-wallet:transfer 850ms (+3.5σ) HTTP 504")
}

func TestAnalyzeTraceReturnsCached(t *testing.T) {
	publisher := &fakeBus{}
	llm := &fakeLLM{chunks: []string{"fresh"}}
	a, cache := newTestAnalyzer(llm, publisher)

	cache.CacheAnalysis(model.Analysis{AnomalyIDs: []string{"t1-s1"}, Text: "cached text"})

	got, err := a.AnalyzeTrace(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "cached text", got.Text)
	assert.Zero(t, llm.calls())
}

func TestAnalyzeTraceOneShot(t *testing.T) {
	publisher := &fakeBus{}
	llm := &fakeLLM{chunks: []string{"fresh analysis"}}
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)

	an := anomaly("t9-s1", model.SeverityCritical)
	finder := &fakeFinder{anomaly: an, found: true}
	traces := &fakeTraces{trace: model.Trace{TraceID: "t9", Spans: []model.Span{
		{Service: "kx-wallet", Operation: "transfer", DurationMs: 900},
		{Service: "kx-wallet", Operation: "auth", DurationMs: 30},
	}}}

	cache := newFakeCache()
	a := New(cfg, llm, publisher, traces, finder, cache, log.NewNopLogger())

	got, err := a.AnalyzeTrace(context.Background(), "t9", "")
	require.NoError(t, err)
	assert.Equal(t, "fresh analysis", got.Text)

	// trace context made it into the prompt
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "Trace context (2 spans")

	// and the result is cached for the next call
	_, ok := cache.CachedAnalysis("t9-s1")
	assert.True(t, ok)
}

func TestAnalyzeTraceNoAnomaly(t *testing.T) {
	publisher := &fakeBus{}
	a, _ := newTestAnalyzer(&fakeLLM{}, publisher)

	_, err := a.AnalyzeTrace(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrNoAnomaly)
}

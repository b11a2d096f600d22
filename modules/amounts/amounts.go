package amounts

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kx-labs/tracewatch/pkg/model"
	"github.com/kx-labs/tracewatch/pkg/stats"
)

var (
	metricTransactionsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_transactions_recorded_total",
		Help:      "The total number of transaction amounts folded into baselines",
	})
	metricWhales = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_whale_anomalies_total",
		Help:      "The total number of whale transactions by severity",
	}, []string{"severity"})
	metricActiveWhales = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracewatch",
		Name:      "amounts_active_anomalies",
		Help:      "The number of whale anomalies currently in the active window",
	})
	metricPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_poll_failures_total",
		Help:      "The total number of failed transaction polls",
	})
	metricPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_persist_failures_total",
		Help:      "The total number of whale anomalies that could not be written to the history store",
	})
)

// Transaction is one executed order or transfer amount.
type Transaction struct {
	Type      string    `json:"type" db:"type"`
	Asset     string    `json:"asset" db:"asset"`
	Amount    float64   `json:"amount" db:"amount"`
	Reference string    `json:"reference" db:"reference"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// TransactionSource supplies recently executed transactions.
type TransactionSource interface {
	Recent(ctx context.Context, window time.Duration) ([]Transaction, error)
}

// HistoryWriter persists whale anomalies.
type HistoryWriter interface {
	InsertAnomaly(ctx context.Context, a model.Anomaly) error
}

// Config for the amount profiler and detector.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Window       time.Duration `yaml:"window"`
	MinSamples   int           `yaml:"min_samples"`
	Retention    time.Duration `yaml:"retention"`

	Store StoreConfig `yaml:"store"`
	Kafka KafkaConfig `yaml:"kafka"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.PollInterval = time.Minute
	cfg.Window = 24 * time.Hour
	cfg.MinSamples = 20
	cfg.Retention = 15 * time.Minute
	cfg.Store.RegisterFlagsAndApplyDefaults(prefix+".store", f)
	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)

	f.BoolVar(&cfg.Enabled, prefix+".enabled", false, "Enable transaction amount anomaly detection.")
}

func amountKey(opType, asset string) string { return opType + ":" + asset }

// profile is the per-(opType, asset) state: an online accumulator that absorbs
// live transactions between polls, plus the percentile spread of the last
// polled batch. Percentiles only move on poll, the moments move on every
// transaction.
type profile struct {
	acc         stats.Welford
	batch       stats.Summary
	lastUpdated time.Time
}

// Amounts profiles transaction amounts per (operation type, asset) and flags
// whales against the sigma ladder. Every poll fully rebuilds the profile from
// the trailing window; CheckTransaction scores and absorbs individual
// executions in between.
type Amounts struct {
	services.Service

	cfg    Config
	source TransactionSource
	store  HistoryWriter
	logger log.Logger

	mtx        sync.RWMutex
	profiles   map[string]*profile
	active     map[string]model.Anomaly
	lastPolled time.Time
}

func New(cfg Config, source TransactionSource, store HistoryWriter, logger log.Logger) *Amounts {
	a := &Amounts{
		cfg:      cfg,
		source:   source,
		store:    store,
		logger:   logger,
		profiles: make(map[string]*profile),
		active:   make(map[string]model.Anomaly),
	}
	a.Service = services.NewBasicService(nil, a.running, nil)
	return a
}

func (a *Amounts) running(ctx context.Context) error {
	a.refresh(ctx)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// refresh rebuilds every profile from the trailing window and sweeps expired
// anomalies. A failing or empty poll keeps the previous profiles, so state
// learned from checked transactions survives when no store is configured.
func (a *Amounts) refresh(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			level.Error(a.logger).Log("msg", "amount refresh panicked", "panic", p, "stack", debug.Stack())
		}
	}()

	txs, err := a.source.Recent(ctx, a.cfg.Window)
	if err != nil {
		metricPollFailures.Inc()
		level.Warn(a.logger).Log("msg", "transaction poll failed", "err", err)
		return
	}

	amounts := make(map[string][]float64)
	for _, tx := range txs {
		key := amountKey(tx.Type, tx.Asset)
		amounts[key] = append(amounts[key], tx.Amount)
	}

	now := time.Now().UTC()
	rebuilt := make(map[string]*profile, len(amounts))
	for key, values := range amounts {
		p := &profile{
			batch:       stats.Summarize(values),
			lastUpdated: now,
		}
		for _, v := range values {
			p.acc.Add(v)
		}
		rebuilt[key] = p
	}

	a.mtx.Lock()
	// an empty poll has nothing to rebuild from, not license to forget
	if len(rebuilt) > 0 {
		a.profiles = rebuilt
	}
	for id, an := range a.active {
		if now.Sub(an.Timestamp) > a.cfg.Retention {
			delete(a.active, id)
		}
	}
	a.lastPolled = now
	metricActiveWhales.Set(float64(len(a.active)))
	a.mtx.Unlock()

	level.Debug(a.logger).Log("msg", "amount profiles rebuilt", "transactions", len(txs), "keys", len(rebuilt))
}

// RecordTransaction folds one amount into the (opType, asset) profile.
func (a *Amounts) RecordTransaction(opType, asset string, amount float64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.record(opType, asset, amount)
}

func (a *Amounts) record(opType, asset string, amount float64) {
	key := amountKey(opType, asset)
	p, ok := a.profiles[key]
	if !ok {
		p = &profile{}
		a.profiles[key] = p
	}
	p.acc.Add(amount)
	p.lastUpdated = time.Now().UTC()
	metricTransactionsRecorded.Inc()
}

// CheckTransaction scores one executed transaction against its profile and
// always absorbs the amount afterwards. Below MinSamples, or when the spread
// has collapsed, it only records.
func (a *Amounts) CheckTransaction(opType, asset string, amount float64, reference string) (model.Anomaly, bool) {
	a.mtx.Lock()

	var (
		mean   float64
		stdDev float64
		count  int
	)
	if p, ok := a.profiles[amountKey(opType, asset)]; ok {
		mean, stdDev, count = p.acc.Mean(), p.acc.StdDev(), p.acc.Count()
	}
	a.record(opType, asset, amount)

	if count < a.cfg.MinSamples || stdDev < 0.0001 {
		a.mtx.Unlock()
		return model.Anomaly{}, false
	}

	deviation := (amount - mean) / stdDev
	severity, ok := model.WhaleThresholds().Classify(deviation)
	if !ok {
		a.mtx.Unlock()
		return model.Anomaly{}, false
	}

	now := time.Now().UTC()
	anomaly := model.Anomaly{
		ID:             model.AmountAnomalyID(reference, now),
		Kind:           model.KindAmount,
		Service:        opType,
		Operation:      asset,
		Value:          amount,
		ExpectedMean:   mean,
		ExpectedStdDev: stdDev,
		Deviation:      deviation,
		Severity:       severity,
		SeverityName:   severity.Name(),
		DayOfWeek:      int(now.Weekday()),
		HourOfDay:      now.Hour(),
		Timestamp:      now,
	}
	a.active[anomaly.ID] = anomaly
	metricActiveWhales.Set(float64(len(a.active)))
	a.mtx.Unlock()

	metricWhales.WithLabelValues(strconv.Itoa(int(severity))).Inc()
	level.Info(a.logger).Log("msg", "whale transaction detected", "id", anomaly.ID, "type", opType,
		"asset", asset, "amount", amount, "deviation", deviation, "severity", severity.Name())

	go a.persist(anomaly)

	return anomaly, true
}

// persist writes the anomaly on its own context so a slow store cannot stall
// the execution path.
func (a *Amounts) persist(anomaly model.Anomaly) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.store.InsertAnomaly(ctx, anomaly); err != nil {
		metricPersistFailures.Inc()
		level.Warn(a.logger).Log("msg", "failed to persist whale anomaly", "id", anomaly.ID, "err", err)
	}
}

// Baselines returns the amount baselines sorted by sample count descending.
func (a *Amounts) Baselines() []model.AmountBaseline {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	out := make([]model.AmountBaseline, 0, len(a.profiles))
	for key, p := range a.profiles {
		opType, asset := model.SplitSpanKey(key)
		out = append(out, model.AmountBaseline{
			OperationType: opType,
			Asset:         asset,
			Mean:          p.acc.Mean(),
			StdDev:        p.acc.StdDev(),
			Variance:      p.acc.Variance(),
			P50:           p.batch.P50,
			P95:           p.batch.P95,
			P99:           p.batch.P99,
			Min:           p.batch.Min,
			Max:           p.batch.Max,
			SampleCount:   p.acc.Count(),
			LastUpdated:   p.lastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampleCount > out[j].SampleCount })
	return out
}

// Active returns the whale anomalies in the retention window, newest first.
func (a *Amounts) Active() []model.Anomaly {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	out := make([]model.Anomaly, 0, len(a.active))
	for _, an := range a.active {
		out = append(out, an)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// LastPolled returns the completion time of the most recent poll.
func (a *Amounts) LastPolled() time.Time {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	return a.lastPolled
}

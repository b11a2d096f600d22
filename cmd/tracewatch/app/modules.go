package app

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	"github.com/kx-labs/tracewatch/modules/amounts"
	"github.com/kx-labs/tracewatch/modules/analyzer"
	httpapi "github.com/kx-labs/tracewatch/modules/api"
	"github.com/kx-labs/tracewatch/modules/bus"
	"github.com/kx-labs/tracewatch/modules/correlator"
	"github.com/kx-labs/tracewatch/modules/detector"
	"github.com/kx-labs/tracewatch/modules/history"
	"github.com/kx-labs/tracewatch/modules/profiler"
	"github.com/kx-labs/tracewatch/modules/recalculator"
	"github.com/kx-labs/tracewatch/modules/training"
	"github.com/kx-labs/tracewatch/pkg/jaeger"
	"github.com/kx-labs/tracewatch/pkg/model"
	"github.com/kx-labs/tracewatch/pkg/ollama"
	"github.com/kx-labs/tracewatch/pkg/prom"
	util_log "github.com/kx-labs/tracewatch/pkg/util/log"
)

// The various modules that make up tracewatch.
const (
	Server       string = "server"
	TraceBackend string = "trace-backend"
	History      string = "history"
	Bus          string = "bus"
	Profiler     string = "profiler"
	Recalculator string = "recalculator"
	Detector     string = "detector"
	Analyzer     string = "analyzer"
	Correlator   string = "correlator"
	Amounts      string = "amounts"
	AmountsFeed  string = "amounts-feed"
	API          string = "api"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	server, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = server

	return NewServerService(server, servicesToWaitFor), nil
}

func (t *App) initTraceBackend() (services.Service, error) {
	t.jaeger = jaeger.New(t.cfg.TraceBackend.Endpoint, t.cfg.TraceBackend.Timeout, t.cfg.monitoredServices())

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initHistory() (services.Service, error) {
	h, err := history.New(t.cfg.History, util_log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create history store %w", err)
	}
	t.history = h

	return h, nil
}

func (t *App) initBus() (services.Service, error) {
	t.bus = bus.New(t.cfg.Bus, util_log.Logger)
	return t.bus, nil
}

func (t *App) initProfiler() (services.Service, error) {
	t.profiler = profiler.New(t.cfg.Profiler, t.jaeger, t.cfg.monitoredServices(), util_log.Logger)
	return t.profiler, nil
}

func (t *App) initRecalculator() (services.Service, error) {
	t.recalculator = recalculator.New(t.cfg.Recalculator, t.jaeger, t.history.Store(), t.cfg.monitoredServices(), util_log.Logger)
	return t.recalculator, nil
}

func (t *App) initAnalyzer() (services.Service, error) {
	llm := ollama.New(t.cfg.LLM)

	t.analyzer = analyzer.New(t.cfg.Analyzer, llm, t.bus, t.jaeger, lateFinder{app: t}, t.history.Cache(), util_log.Logger)
	return t.analyzer, nil
}

func (t *App) initDetector() (services.Service, error) {
	d, err := detector.New(t.cfg.Detector, t.jaeger, t.recalculator, t.profiler, t.history.Store(), t.analyzer, t.cfg.monitoredServices(), util_log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector %w", err)
	}
	t.detector = d

	return d, nil
}

func (t *App) initCorrelator() (services.Service, error) {
	t.prom = prom.New(t.cfg.MetricsBackend.Endpoint, t.cfg.MetricsBackend.Timeout)
	t.correlator = correlator.New(t.cfg.Correlator, t.prom, util_log.Logger)

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initAmounts() (services.Service, error) {
	var source amounts.TransactionSource = noopTransactionSource{}

	if t.cfg.Amounts.Enabled && t.cfg.Amounts.Store.DSN != "" {
		store, err := amounts.NewTransactionStore(t.cfg.Amounts.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to create transaction store %w", err)
		}
		source = store
	}

	// Always constructed so the synchronous check endpoint works even when
	// background polling is off.
	t.amounts = amounts.New(t.cfg.Amounts, source, t.history.Store(), util_log.Logger)

	if !t.cfg.Amounts.Enabled {
		return services.NewIdleService(nil, nil), nil
	}

	return t.amounts, nil
}

func (t *App) initAmountsFeed() (services.Service, error) {
	if !t.cfg.Amounts.Enabled || !t.cfg.Amounts.Kafka.Enabled() {
		return services.NewIdleService(nil, nil), nil
	}

	consumer, err := amounts.NewConsumer(t.cfg.Amounts.Kafka, t.amounts, util_log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution feed consumer %w", err)
	}
	t.amountsFeed = consumer

	return consumer, nil
}

func (t *App) initAPI() (services.Service, error) {
	t.trainer = training.New(t.history.Store())

	t.api = httpapi.New(t.detector, t.profiler, t.recalculator, t.analyzer, t.correlator, t.amounts, t.trainer, t.history.Store(), t.bus, t.cfg.monitoredServices(), util_log.Logger)
	t.api.RegisterRoutes(t.Server.HTTP)

	return services.NewIdleService(nil, nil), nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(util_log.Logger)

	mm.RegisterModule(Server, t.initServer)
	mm.RegisterModule(TraceBackend, t.initTraceBackend, modules.UserInvisibleModule)
	mm.RegisterModule(History, t.initHistory, modules.UserInvisibleModule)
	mm.RegisterModule(Bus, t.initBus, modules.UserInvisibleModule)
	mm.RegisterModule(Profiler, t.initProfiler)
	mm.RegisterModule(Recalculator, t.initRecalculator)
	mm.RegisterModule(Analyzer, t.initAnalyzer)
	mm.RegisterModule(Detector, t.initDetector)
	mm.RegisterModule(Correlator, t.initCorrelator, modules.UserInvisibleModule)
	mm.RegisterModule(Amounts, t.initAmounts)
	mm.RegisterModule(AmountsFeed, t.initAmountsFeed, modules.UserInvisibleModule)
	mm.RegisterModule(API, t.initAPI)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		TraceBackend: nil,
		History:      nil,
		Bus:          nil,
		Correlator:   nil,
		Profiler:     {TraceBackend},
		Recalculator: {TraceBackend, History},
		Analyzer:     {Bus, History, TraceBackend},
		Detector:     {TraceBackend, Profiler, Recalculator, History, Analyzer},
		Amounts:      {History},
		AmountsFeed:  {Amounts},
		API:          {Server, Detector, Profiler, Recalculator, Analyzer, Correlator, Amounts, History, Bus},
		SingleBinary: {API, AmountsFeed},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm

	return nil
}

// lateFinder defers anomaly lookups to the detector, which is wired after the
// analyzer to break the init cycle between the two.
type lateFinder struct {
	app *App
}

func (f lateFinder) Find(traceID, anomalyID string) (model.Anomaly, bool) {
	if f.app.detector == nil {
		return model.Anomaly{}, false
	}
	return f.app.detector.Find(traceID, anomalyID)
}

// noopTransactionSource backs the amount profiler when no store is configured.
// Baselines then learn only from checked transactions.
type noopTransactionSource struct{}

func (noopTransactionSource) Recent(context.Context, time.Duration) ([]amounts.Transaction, error) {
	return nil, nil
}

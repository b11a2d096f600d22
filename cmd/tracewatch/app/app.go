package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

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
	"github.com/kx-labs/tracewatch/pkg/api"
	"github.com/kx-labs/tracewatch/pkg/jaeger"
	"github.com/kx-labs/tracewatch/pkg/prom"
	"github.com/kx-labs/tracewatch/pkg/util/log"
)

const metricsNamespace = "tracewatch"

// App is the root datastructure.
type App struct {
	cfg Config

	Server *server.Server

	jaeger       *jaeger.Client
	prom         *prom.Client
	history      *history.History
	bus          *bus.Bus
	profiler     *profiler.Profiler
	recalculator *recalculator.Recalculator
	detector     *detector.Detector
	analyzer     *analyzer.Analyzer
	correlator   *correlator.Correlator
	amounts      *amounts.Amounts
	amountsFeed  *amounts.Consumer
	trainer      *training.Service
	api          *httpapi.API

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.moduleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	// before starting the server, register the status handlers
	t.Server.HTTP.Path(api.PathReady).Handler(t.readyHandler(sm))
	t.Server.HTTP.Path(api.PathStatusConfig).Handler(t.configHandler())
	t.Server.HTTP.Path(api.PathStatusVersion).Handler(http.HandlerFunc(versionHandler))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "Tracewatch started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "Tracewatch stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				}
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(t.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set(api.HeaderContentType, api.HeaderContentTypeYAML)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(api.HeaderContentType, api.HeaderAcceptJSON)
	_ = jsoniter.NewEncoder(w).Encode(map[string]string{
		"version":  version.Version,
		"revision": version.Revision,
		"branch":   version.Branch,
	})
}

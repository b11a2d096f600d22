package app

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/kx-labs/tracewatch/modules/amounts"
	"github.com/kx-labs/tracewatch/modules/analyzer"
	"github.com/kx-labs/tracewatch/modules/bus"
	"github.com/kx-labs/tracewatch/modules/correlator"
	"github.com/kx-labs/tracewatch/modules/detector"
	"github.com/kx-labs/tracewatch/modules/history"
	"github.com/kx-labs/tracewatch/modules/profiler"
	"github.com/kx-labs/tracewatch/modules/recalculator"
	"github.com/kx-labs/tracewatch/pkg/jaeger"
	"github.com/kx-labs/tracewatch/pkg/ollama"
	"github.com/kx-labs/tracewatch/pkg/prom"
	"github.com/kx-labs/tracewatch/pkg/util"
)

// Config is the root config for App.
type Config struct {
	Target            string              `yaml:"target,omitempty"`
	MonitoredServices flagext.StringSlice `yaml:"monitored_services"`

	Server         server.Config       `yaml:"server,omitempty"`
	TraceBackend   jaeger.Config       `yaml:"trace_backend,omitempty"`
	MetricsBackend prom.Config         `yaml:"metrics_backend,omitempty"`
	LLM            ollama.Config       `yaml:"llm,omitempty"`
	Profiler       profiler.Config     `yaml:"profiler,omitempty"`
	Detector       detector.Config     `yaml:"detector,omitempty"`
	Recalculator   recalculator.Config `yaml:"recalculator,omitempty"`
	Amounts        amounts.Config      `yaml:"amounts,omitempty"`
	Analyzer       analyzer.Config     `yaml:"analyzer,omitempty"`
	Correlator     correlator.Config   `yaml:"correlator,omitempty"`
	Bus            bus.Config          `yaml:"bus,omitempty"`
	History        history.Config      `yaml:"history,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.Var(&c.MonitoredServices, "monitored-services", "Services to profile and watch, repeatable.")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	c.Server.HTTPServerReadTimeout = 30 * time.Second
	c.Server.HTTPServerWriteTimeout = time.Minute
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3600, "HTTP server listen port.")

	c.TraceBackend.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "trace-backend"), f)
	c.MetricsBackend.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "metrics-backend"), f)
	c.LLM.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "llm"), f)
	c.Profiler.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "profiler"), f)
	c.Detector.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "detector"), f)
	c.Recalculator.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "recalculator"), f)
	c.Amounts.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "amounts"), f)
	c.Analyzer.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "analyzer"), f)
	c.Correlator.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "correlator"), f)
	c.Bus.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "bus"), f)
	c.History.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "history"), f)
}

// monitoredServices resolves the watch list. A backend-scoped override
// replaces the root list for every consumer, not just the trace fetches.
func (c *Config) monitoredServices() []string {
	if len(c.TraceBackend.MonitoredServices) > 0 {
		return c.TraceBackend.MonitoredServices
	}
	return c.MonitoredServices
}

// ConfigWarning bundles a warning message with an explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if len(c.monitoredServices()) == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "monitored_services is empty",
			Explain: "No traces will be profiled or scored until at least one service is listed",
		})
	}
	if c.Amounts.Enabled && c.Amounts.Store.DSN == "" && !c.Amounts.Kafka.Enabled() {
		warnings = append(warnings, ConfigWarning{
			Message: "amounts enabled without a store dsn or kafka brokers",
			Explain: "Amount baselines can only learn from the synchronous check endpoint",
		})
	}
	if c.History.DSN == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "history.dsn is empty",
			Explain: "Baselines and anomaly history will not survive restarts",
		})
	}

	return warnings
}

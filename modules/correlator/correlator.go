package correlator

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	metricCorrelations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "correlator_correlations_total",
		Help:      "The total number of correlation snapshots taken",
	})
	metricQueryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "correlator_query_failures_total",
		Help:      "The total number of failed instant queries by field",
	}, []string{"field"})
)

// MetricsSource evaluates instant queries against the metrics backend.
type MetricsSource interface {
	Query(ctx context.Context, query string, ts time.Time) (float64, bool, error)
	Healthy(ctx context.Context) bool
}

// Config for the metrics correlator.
type Config struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.QueryTimeout = 10 * time.Second
}

// Metrics is the six-field snapshot around an anomaly. Pointer fields are
// nil when the backing query failed or matched nothing; the other fields
// still fill in.
type Metrics struct {
	CPUPercent        *float64 `json:"cpuPercent"`
	MemoryMB          *float64 `json:"memoryMb"`
	RequestRate       *float64 `json:"requestRate"`
	ErrorRatePercent  *float64 `json:"errorRatePercent"`
	P99LatencyMs      *float64 `json:"p99LatencyMs"`
	ActiveConnections *float64 `json:"activeConnections"`
}

// Correlation pairs the snapshot with rule-derived insights. Healthy means
// no rule fired.
type Correlation struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
	Insights  []string  `json:"insights"`
	Healthy   bool      `json:"healthy"`
}

// Correlator fetches co-temporal infrastructure metrics for a service and
// grades them against fixed thresholds.
type Correlator struct {
	cfg    Config
	source MetricsSource
	logger log.Logger
}

func New(cfg Config, source MetricsSource, logger log.Logger) *Correlator {
	return &Correlator{
		cfg:    cfg,
		source: source,
		logger: logger,
	}
}

// Correlate takes the metric snapshot for service at ts. The six queries run
// in parallel; a failing query leaves its field nil and never aborts the
// rest.
func (c *Correlator) Correlate(ctx context.Context, service string, ts time.Time) Correlation {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	queries := []struct {
		field string
		expr  string
		dest  **float64
	}{
		{"cpu", fmt.Sprintf(`rate(process_cpu_seconds_total{service="%s"}[2m]) * 100`, service), nil},
		{"memory", fmt.Sprintf(`process_resident_memory_bytes{service="%s"} / 1024 / 1024`, service), nil},
		{"request_rate", fmt.Sprintf(`rate(http_requests_total{service="%s"}[2m])`, service), nil},
		{"error_rate", fmt.Sprintf(`rate(http_requests_total{service="%s",status=~"5.."}[2m]) / rate(http_requests_total{service="%s"}[2m]) * 100`, service, service), nil},
		{"p99_latency", fmt.Sprintf(`histogram_quantile(0.99, rate(http_request_duration_seconds_bucket{service="%s"}[2m])) * 1000`, service), nil},
		{"active_connections", fmt.Sprintf(`active_connections{service="%s"}`, service), nil},
	}

	out := Correlation{Service: service, Timestamp: ts}
	queries[0].dest = &out.Metrics.CPUPercent
	queries[1].dest = &out.Metrics.MemoryMB
	queries[2].dest = &out.Metrics.RequestRate
	queries[3].dest = &out.Metrics.ErrorRatePercent
	queries[4].dest = &out.Metrics.P99LatencyMs
	queries[5].dest = &out.Metrics.ActiveConnections

	var (
		g, gctx = errgroup.WithContext(ctx)
		errs    = make([]error, len(queries))
	)
	for i, q := range queries {
		g.Go(func() error {
			v, found, err := c.source.Query(gctx, q.expr, ts)
			if err != nil {
				metricQueryFailures.WithLabelValues(q.field).Inc()
				errs[i] = fmt.Errorf("%s: %w", q.field, err)
				return nil
			}
			if found {
				*q.dest = &v
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := multierr.Combine(errs...); err != nil {
		level.Warn(c.logger).Log("msg", "partial correlation snapshot", "service", service, "err", err)
	}

	out.Insights = insights(out.Metrics)
	out.Healthy = len(out.Insights) == 0
	metricCorrelations.Inc()

	return out
}

// Summary snapshots every monitored service at now.
func (c *Correlator) Summary(ctx context.Context, services []string) []Correlation {
	now := time.Now().UTC()
	out := make([]Correlation, 0, len(services))
	for _, svc := range services {
		out = append(out, c.Correlate(ctx, svc, now))
	}
	return out
}

// Healthy probes the metrics backend itself.
func (c *Correlator) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	return c.source.Healthy(ctx)
}

// insights grades the snapshot against fixed rule thresholds, worst grade
// first per field.
func insights(m Metrics) []string {
	var out []string

	if m.CPUPercent != nil {
		switch cpu := *m.CPUPercent; {
		case cpu >= 90:
			out = append(out, fmt.Sprintf("CPU critically saturated at %.0f%%", cpu))
		case cpu >= 80:
			out = append(out, fmt.Sprintf("CPU under heavy load at %.0f%%", cpu))
		case cpu >= 70:
			out = append(out, fmt.Sprintf("CPU elevated at %.0f%%", cpu))
		}
	}

	if m.MemoryMB != nil {
		switch mem := *m.MemoryMB; {
		case mem >= 1024:
			out = append(out, fmt.Sprintf("memory above 1GB at %.0fMB", mem))
		case mem >= 512:
			out = append(out, fmt.Sprintf("memory elevated at %.0fMB", mem))
		}
	}

	if m.ErrorRatePercent != nil {
		switch errRate := *m.ErrorRatePercent; {
		case errRate >= 10:
			out = append(out, fmt.Sprintf("error rate critical at %.1f%%", errRate))
		case errRate >= 5:
			out = append(out, fmt.Sprintf("error rate high at %.1f%%", errRate))
		case errRate >= 1:
			out = append(out, fmt.Sprintf("error rate elevated at %.1f%%", errRate))
		}
	}

	if m.RequestRate != nil && *m.RequestRate >= 100 {
		out = append(out, fmt.Sprintf("request rate high at %.0f rps", *m.RequestRate))
	}

	if m.ActiveConnections != nil && *m.ActiveConnections >= 100 {
		out = append(out, fmt.Sprintf("connection count high at %.0f", *m.ActiveConnections))
	}

	return out
}

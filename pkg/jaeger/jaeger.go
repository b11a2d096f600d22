package jaeger

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kx-labs/tracewatch/pkg/model"
)

const tracesEndpoint = "/api/traces"

var (
	// ErrUnavailable wraps transport level failures so callers can tell an
	// unreachable query service apart from a bad response.
	ErrUnavailable = errors.New("jaeger unavailable")

	// ErrNotFound is returned when the query service has no such trace.
	ErrNotFound = errors.New("trace not found")
)

// Config for the Jaeger query client.
type Config struct {
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	MonitoredServices []string      `yaml:"monitored_services"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Timeout = 10 * time.Second

	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "http://localhost:16686", "Base URL of the Jaeger query service.")
}

// Client queries the Jaeger HTTP API for finished traces.
type Client struct {
	baseURL   string
	client    *http.Client
	monitored map[string]struct{}
}

// New builds a client for the query service at baseURL. When monitored is
// non-empty, spans emitted by any other service are discarded during
// conversion.
func New(baseURL string, timeout time.Duration, monitored []string) *Client {
	set := make(map[string]struct{}, len(monitored))
	for _, svc := range monitored {
		set[svc] = struct{}{}
	}

	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		monitored: set,
	}
}

// SearchRecent returns traces for service that finished within the trailing
// window.
func (c *Client) SearchRecent(ctx context.Context, service string, window time.Duration, limit int) ([]model.Trace, error) {
	q := url.Values{}
	q.Set("service", service)
	q.Set("lookback", fmt.Sprintf("%ds", int(window.Seconds())))
	q.Set("limit", strconv.Itoa(limit))

	return c.search(ctx, q)
}

// SearchRange returns traces for service between start and end.
func (c *Client) SearchRange(ctx context.Context, service string, start, end time.Time, limit int) ([]model.Trace, error) {
	q := url.Values{}
	q.Set("service", service)
	q.Set("start", strconv.FormatInt(start.UnixMicro(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMicro(), 10))
	q.Set("limit", strconv.Itoa(limit))

	return c.search(ctx, q)
}

// Trace fetches a single trace by id.
func (c *Client) Trace(ctx context.Context, traceID string) (model.Trace, error) {
	body, err := c.get(ctx, tracesEndpoint+"/"+url.PathEscape(traceID))
	if err != nil {
		return model.Trace{}, err
	}

	var envelope searchResponse
	if err := jsoniter.Unmarshal(body, &envelope); err != nil {
		return model.Trace{}, fmt.Errorf("error decoding jaeger response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return model.Trace{}, ErrNotFound
	}

	return c.convert(envelope.Data[0]), nil
}

func (c *Client) search(ctx context.Context, q url.Values) ([]model.Trace, error) {
	body, err := c.get(ctx, tracesEndpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var envelope searchResponse
	if err := jsoniter.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("error decoding jaeger response: %w", err)
	}

	traces := make([]model.Trace, 0, len(envelope.Data))
	for _, tr := range envelope.Data {
		converted := c.convert(tr)
		if len(converted.Spans) > 0 {
			traces = append(traces, converted)
		}
	}

	return traces, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET request to %s failed with response: %d body: %s", path, resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// searchResponse is the envelope the Jaeger query API wraps results in. Times
// and durations are microseconds on the wire.
type searchResponse struct {
	Data []traceJSON `json:"data"`
}

type traceJSON struct {
	TraceID   string                 `json:"traceID"`
	Spans     []spanJSON             `json:"spans"`
	Processes map[string]processJSON `json:"processes"`
}

type spanJSON struct {
	TraceID       string          `json:"traceID"`
	SpanID        string          `json:"spanID"`
	OperationName string          `json:"operationName"`
	References    []referenceJSON `json:"references"`
	StartTime     int64           `json:"startTime"`
	Duration      int64           `json:"duration"`
	Tags          []tagJSON       `json:"tags"`
	ProcessID     string          `json:"processID"`
}

type referenceJSON struct {
	RefType string `json:"refType"`
	TraceID string `json:"traceID"`
	SpanID  string `json:"spanID"`
}

type processJSON struct {
	ServiceName string `json:"serviceName"`
}

type tagJSON struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func (c *Client) convert(tr traceJSON) model.Trace {
	out := model.Trace{TraceID: tr.TraceID}

	for _, sp := range tr.Spans {
		proc, ok := tr.Processes[sp.ProcessID]
		if !ok {
			continue
		}
		if len(c.monitored) > 0 {
			if _, ok := c.monitored[proc.ServiceName]; !ok {
				continue
			}
		}

		span := model.Span{
			TraceID:    tr.TraceID,
			SpanID:     sp.SpanID,
			Service:    proc.ServiceName,
			Operation:  sp.OperationName,
			StartTime:  time.UnixMicro(sp.StartTime).UTC(),
			DurationMs: float64(sp.Duration) / 1000.0,
			Attributes: convertTags(sp.Tags),
		}
		for _, ref := range sp.References {
			if ref.RefType == "CHILD_OF" {
				span.ParentSpanID = ref.SpanID
				break
			}
		}

		out.Spans = append(out.Spans, span)
	}

	return out
}

func convertTags(tags []tagJSON) model.Attributes {
	if len(tags) == 0 {
		return nil
	}

	attrs := make(model.Attributes, len(tags))
	for _, tag := range tags {
		attrs[tag.Key] = convertTagValue(tag)
	}
	return attrs
}

// convertTagValue maps a typed Jaeger tag onto a model value. Numbers arrive
// as JSON numbers or as strings depending on the emitting client.
func convertTagValue(tag tagJSON) model.Value {
	switch tag.Type {
	case "bool":
		switch v := tag.Value.(type) {
		case bool:
			return model.BoolValue(v)
		case string:
			b, _ := strconv.ParseBool(v)
			return model.BoolValue(b)
		}
	case "int64":
		switch v := tag.Value.(type) {
		case float64:
			return model.IntValue(int64(v))
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return model.IntValue(n)
			}
		}
	case "float64":
		switch v := tag.Value.(type) {
		case float64:
			return model.FloatValue(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return model.FloatValue(f)
			}
		}
	}

	return model.StringValue(fmt.Sprintf("%v", tag.Value))
}

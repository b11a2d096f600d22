package model

import (
	"strings"
	"time"
)

// Span is one unit of work inside a trace, already resolved to its service
// and converted to milliseconds. Spans only live while a worker processes a
// window, baselines are the durable summary.
type Span struct {
	TraceID      string     `json:"traceId"`
	SpanID       string     `json:"spanId"`
	ParentSpanID string     `json:"parentSpanId,omitempty"`
	Service      string     `json:"service"`
	Operation    string     `json:"operation"`
	StartTime    time.Time  `json:"startTime"`
	DurationMs   float64    `json:"durationMs"`
	Attributes   Attributes `json:"attributes,omitempty"`
}

// Key returns the baseline key "service:operation" for this span.
func (s Span) Key() string { return SpanKey(s.Service, s.Operation) }

// SpanKey builds the baseline key for a service and operation.
func SpanKey(service, operation string) string { return service + ":" + operation }

// SplitSpanKey splits a baseline key back into service and operation.
func SplitSpanKey(key string) (service, operation string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// Trace is a set of causally related spans sharing one trace id.
type Trace struct {
	TraceID string `json:"traceId"`
	Spans   []Span `json:"spans"`
}

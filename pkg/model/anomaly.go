package model

import (
	"fmt"
	"time"
)

// Kind separates latency outliers from whale transactions.
type Kind string

const (
	KindLatency Kind = "latency"
	KindAmount  Kind = "amount"
)

// Anomaly is a classified outlier. IDs are stable, observing the same span
// twice yields the same id, so inserts stay idempotent.
type Anomaly struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	TraceID        string     `json:"traceId,omitempty"`
	SpanID         string     `json:"spanId,omitempty"`
	Service        string     `json:"service"`
	Operation      string     `json:"operation"`
	Value          float64    `json:"value"`
	ExpectedMean   float64    `json:"expectedMean"`
	ExpectedStdDev float64    `json:"expectedStdDev"`
	Deviation      float64    `json:"deviation"`
	Severity       Severity   `json:"severity"`
	SeverityName   string     `json:"severityName"`
	DayOfWeek      int        `json:"dayOfWeek"`
	HourOfDay      int        `json:"hourOfDay"`
	Timestamp      time.Time  `json:"timestamp"`
	Attributes     Attributes `json:"attributes,omitempty"`
}

// LatencyAnomalyID is stable per observed span.
func LatencyAnomalyID(traceID, spanID string) string {
	return traceID + "-" + spanID
}

// AmountAnomalyID is stable per executed order or transfer.
func AmountAnomalyID(reference string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", reference, ts.UnixMilli())
}

// Analysis is a finished LLM explanation for a set of anomalies.
type Analysis struct {
	AnomalyIDs []string  `json:"anomalyIds"`
	UseCase    string    `json:"useCase,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Ratings accepted on training examples.
const (
	RatingGood = "good"
	RatingBad  = "bad"
)

// TrainingExample pairs a prompt and completion with operator feedback, the
// raw material for a later fine-tune.
type TrainingExample struct {
	ID         string    `json:"id"`
	Anomaly    Anomaly   `json:"anomaly"`
	Prompt     string    `json:"prompt"`
	Completion string    `json:"completion"`
	Rating     string    `json:"rating"`
	Correction string    `json:"correction,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

package model

import "time"

// SpanBaseline summarizes the latency distribution observed for one spanKey.
// Durations are milliseconds. stdDev is always sqrt(variance), and the
// percentiles are ordered min <= p50 <= p95 <= p99 <= max.
type SpanBaseline struct {
	SpanKey     string    `json:"spanKey"`
	Service     string    `json:"service"`
	Operation   string    `json:"operation"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stdDev"`
	Variance    float64   `json:"variance"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	SampleCount int       `json:"sampleCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// TimeBaseline is a SpanBaseline partitioned by day of week (0 is Sunday)
// and hour of day, both UTC, with thresholds learned from that bucket's own
// deviation history.
type TimeBaseline struct {
	SpanBaseline

	DayOfWeek  int        `json:"dayOfWeek"`
	HourOfDay  int        `json:"hourOfDay"`
	Thresholds Thresholds `json:"thresholds"`
}

// AmountBaseline summarizes transaction amounts for one operation type and
// asset pair.
type AmountBaseline struct {
	OperationType string    `json:"operationType"`
	Asset         string    `json:"asset"`
	Mean          float64   `json:"mean"`
	StdDev        float64   `json:"stdDev"`
	Variance      float64   `json:"variance"`
	P50           float64   `json:"p50"`
	P95           float64   `json:"p95"`
	P99           float64   `json:"p99"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	SampleCount   int       `json:"sampleCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// OperationTypes are the transaction kinds amount baselines are keyed by.
var OperationTypes = []string{"BUY", "SELL", "DEPOSIT", "WITHDRAW", "TRANSFER"}

// Watermark is the per-service high-water mark of processed trace start
// times. LastTraceTime never moves backwards across successful runs.
type Watermark struct {
	Service          string    `json:"service"`
	LastTraceTime    time.Time `json:"lastTraceTime"`
	ProcessingStatus string    `json:"processingStatus"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

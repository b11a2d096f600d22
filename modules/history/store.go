package history

import (
	"context"
	"time"

	"github.com/kx-labs/tracewatch/pkg/model"
)

const defaultHistoryLimit = 1000

// HistoryQuery filters the persisted anomaly log.
type HistoryQuery struct {
	Hours   int
	Service string
	Limit   int
}

// TrendBucket is one calendar hour of the anomaly trend. Critical counts
// anomalies with severity Major or worse.
type TrendBucket struct {
	Hour     time.Time `json:"hour" db:"hour"`
	Count    int       `json:"count" db:"count"`
	Critical int       `json:"critical" db:"critical"`
}

// Store is the durable side of the pipeline. Every write is independently
// idempotent, so callers never need transactions.
type Store interface {
	UpsertSpanBaselines(ctx context.Context, baselines []model.SpanBaseline) error
	UpsertTimeBaselines(ctx context.Context, baselines []model.TimeBaseline) error
	SpanBaselines(ctx context.Context) ([]model.SpanBaseline, error)
	TimeBaselines(ctx context.Context) ([]model.TimeBaseline, error)

	InsertAnomaly(ctx context.Context, a model.Anomaly) error
	AnomalyHistory(ctx context.Context, q HistoryQuery) ([]model.Anomaly, error)
	HourlyTrend(ctx context.Context, hours int) ([]TrendBucket, error)

	Watermark(ctx context.Context, service string) (model.Watermark, bool, error)
	SetWatermark(ctx context.Context, wm model.Watermark) error
	ClearWatermarks(ctx context.Context) error

	InsertTrainingExample(ctx context.Context, ex model.TrainingExample) error
	TrainingExamples(ctx context.Context) ([]model.TrainingExample, error)
	DeleteTrainingExample(ctx context.Context, id string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// fillTrend pads the sparse bucket list out to one bucket per calendar hour,
// oldest first, ending at the hour containing now.
func fillTrend(buckets []TrendBucket, hours int, now time.Time) []TrendBucket {
	if hours <= 0 {
		return nil
	}

	end := now.UTC().Truncate(time.Hour)
	start := end.Add(-time.Duration(hours-1) * time.Hour)

	byHour := make(map[time.Time]TrendBucket, len(buckets))
	for _, b := range buckets {
		byHour[b.Hour.UTC()] = b
	}

	out := make([]TrendBucket, 0, hours)
	for h := start; !h.After(end); h = h.Add(time.Hour) {
		b, ok := byHour[h]
		if !ok {
			b = TrendBucket{Hour: h}
		}
		b.Hour = h
		out = append(out, b)
	}
	return out
}

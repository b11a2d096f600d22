package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"

	"github.com/kx-labs/tracewatch/pkg/model"
)

const (
	upsertSpanBaselineSQL = `
INSERT INTO span_baselines (span_key, service, operation, mean_ms, std_dev_ms, variance, p50_ms, p95_ms, p99_ms, min_ms, max_ms, sample_count, last_updated)
VALUES (:span_key, :service, :operation, :mean_ms, :std_dev_ms, :variance, :p50_ms, :p95_ms, :p99_ms, :min_ms, :max_ms, :sample_count, :last_updated)
ON CONFLICT (span_key) DO UPDATE SET
	service = EXCLUDED.service,
	operation = EXCLUDED.operation,
	mean_ms = EXCLUDED.mean_ms,
	std_dev_ms = EXCLUDED.std_dev_ms,
	variance = EXCLUDED.variance,
	p50_ms = EXCLUDED.p50_ms,
	p95_ms = EXCLUDED.p95_ms,
	p99_ms = EXCLUDED.p99_ms,
	min_ms = EXCLUDED.min_ms,
	max_ms = EXCLUDED.max_ms,
	sample_count = EXCLUDED.sample_count,
	last_updated = EXCLUDED.last_updated`

	upsertTimeBaselineSQL = `
INSERT INTO time_baselines (span_key, service, operation, day_of_week, hour_of_day, mean_ms, std_dev_ms, variance, p50_ms, p95_ms, p99_ms, min_ms, max_ms, sample_count, thr_sev1, thr_sev2, thr_sev3, thr_sev4, thr_sev5, last_updated)
VALUES (:span_key, :service, :operation, :day_of_week, :hour_of_day, :mean_ms, :std_dev_ms, :variance, :p50_ms, :p95_ms, :p99_ms, :min_ms, :max_ms, :sample_count, :thr_sev1, :thr_sev2, :thr_sev3, :thr_sev4, :thr_sev5, :last_updated)
ON CONFLICT (span_key, day_of_week, hour_of_day) DO UPDATE SET
	service = EXCLUDED.service,
	operation = EXCLUDED.operation,
	mean_ms = EXCLUDED.mean_ms,
	std_dev_ms = EXCLUDED.std_dev_ms,
	variance = EXCLUDED.variance,
	p50_ms = EXCLUDED.p50_ms,
	p95_ms = EXCLUDED.p95_ms,
	p99_ms = EXCLUDED.p99_ms,
	min_ms = EXCLUDED.min_ms,
	max_ms = EXCLUDED.max_ms,
	sample_count = EXCLUDED.sample_count,
	thr_sev1 = EXCLUDED.thr_sev1,
	thr_sev2 = EXCLUDED.thr_sev2,
	thr_sev3 = EXCLUDED.thr_sev3,
	thr_sev4 = EXCLUDED.thr_sev4,
	thr_sev5 = EXCLUDED.thr_sev5,
	last_updated = EXCLUDED.last_updated`

	insertAnomalySQL = `
INSERT INTO anomalies (id, kind, trace_id, span_id, service, operation, value, expected_mean, expected_std_dev, deviation, severity, severity_name, day_of_week, hour_of_day, ts, attributes)
VALUES (:id, :kind, :trace_id, :span_id, :service, :operation, :value, :expected_mean, :expected_std_dev, :deviation, :severity, :severity_name, :day_of_week, :hour_of_day, :ts, :attributes)
ON CONFLICT (id) DO NOTHING`

	hourlyTrendSQL = `
SELECT date_trunc('hour', ts) AS hour,
       count(*) AS count,
       count(*) FILTER (WHERE severity <= 2) AS critical
FROM anomalies
WHERE ts > $1
GROUP BY 1
ORDER BY 1`

	setWatermarkSQL = `
INSERT INTO recalc_watermarks (service, last_trace_time, processing_status, updated_at)
VALUES (:service, :last_trace_time, :processing_status, :updated_at)
ON CONFLICT (service) DO UPDATE SET
	last_trace_time = EXCLUDED.last_trace_time,
	processing_status = EXCLUDED.processing_status,
	updated_at = EXCLUDED.updated_at`

	insertTrainingExampleSQL = `
INSERT INTO training_examples (id, anomaly, prompt, completion, rating, correction, notes, created_at)
VALUES (:id, :anomaly, :prompt, :completion, :rating, :correction, :notes, :created_at)`
)

type postgresStore struct {
	db *sqlx.DB
}

func newPostgresStore(cfg Config) (*postgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &postgresStore{db: db}, nil
}

type spanBaselineRow struct {
	SpanKey     string    `db:"span_key"`
	Service     string    `db:"service"`
	Operation   string    `db:"operation"`
	Mean        float64   `db:"mean_ms"`
	StdDev      float64   `db:"std_dev_ms"`
	Variance    float64   `db:"variance"`
	P50         float64   `db:"p50_ms"`
	P95         float64   `db:"p95_ms"`
	P99         float64   `db:"p99_ms"`
	Min         float64   `db:"min_ms"`
	Max         float64   `db:"max_ms"`
	SampleCount int       `db:"sample_count"`
	LastUpdated time.Time `db:"last_updated"`
}

type timeBaselineRow struct {
	spanBaselineRow
	DayOfWeek int     `db:"day_of_week"`
	HourOfDay int     `db:"hour_of_day"`
	ThrSev1   float64 `db:"thr_sev1"`
	ThrSev2   float64 `db:"thr_sev2"`
	ThrSev3   float64 `db:"thr_sev3"`
	ThrSev4   float64 `db:"thr_sev4"`
	ThrSev5   float64 `db:"thr_sev5"`
}

type anomalyRow struct {
	ID             string    `db:"id"`
	Kind           string    `db:"kind"`
	TraceID        string    `db:"trace_id"`
	SpanID         string    `db:"span_id"`
	Service        string    `db:"service"`
	Operation      string    `db:"operation"`
	Value          float64   `db:"value"`
	ExpectedMean   float64   `db:"expected_mean"`
	ExpectedStdDev float64   `db:"expected_std_dev"`
	Deviation      float64   `db:"deviation"`
	Severity       int       `db:"severity"`
	SeverityName   string    `db:"severity_name"`
	DayOfWeek      int       `db:"day_of_week"`
	HourOfDay      int       `db:"hour_of_day"`
	Timestamp      time.Time `db:"ts"`
	Attributes     []byte    `db:"attributes"`
}

type watermarkRow struct {
	Service          string    `db:"service"`
	LastTraceTime    time.Time `db:"last_trace_time"`
	ProcessingStatus string    `db:"processing_status"`
	UpdatedAt        time.Time `db:"updated_at"`
}

type trainingExampleRow struct {
	ID         string    `db:"id"`
	Anomaly    []byte    `db:"anomaly"`
	Prompt     string    `db:"prompt"`
	Completion string    `db:"completion"`
	Rating     string    `db:"rating"`
	Correction string    `db:"correction"`
	Notes      string    `db:"notes"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *postgresStore) UpsertSpanBaselines(ctx context.Context, baselines []model.SpanBaseline) error {
	for _, b := range baselines {
		row := spanBaselineRow{
			SpanKey:     b.SpanKey,
			Service:     b.Service,
			Operation:   b.Operation,
			Mean:        b.Mean,
			StdDev:      b.StdDev,
			Variance:    b.Variance,
			P50:         b.P50,
			P95:         b.P95,
			P99:         b.P99,
			Min:         b.Min,
			Max:         b.Max,
			SampleCount: b.SampleCount,
			LastUpdated: b.LastUpdated,
		}
		if _, err := s.db.NamedExecContext(ctx, upsertSpanBaselineSQL, row); err != nil {
			return errors.Wrapf(err, "upserting span baseline %s", b.SpanKey)
		}
	}
	return nil
}

func (s *postgresStore) UpsertTimeBaselines(ctx context.Context, baselines []model.TimeBaseline) error {
	for _, b := range baselines {
		row := timeBaselineRow{
			spanBaselineRow: spanBaselineRow{
				SpanKey:     b.SpanKey,
				Service:     b.Service,
				Operation:   b.Operation,
				Mean:        b.Mean,
				StdDev:      b.StdDev,
				Variance:    b.Variance,
				P50:         b.P50,
				P95:         b.P95,
				P99:         b.P99,
				Min:         b.Min,
				Max:         b.Max,
				SampleCount: b.SampleCount,
				LastUpdated: b.LastUpdated,
			},
			DayOfWeek: b.DayOfWeek,
			HourOfDay: b.HourOfDay,
			ThrSev1:   b.Thresholds.Sev1,
			ThrSev2:   b.Thresholds.Sev2,
			ThrSev3:   b.Thresholds.Sev3,
			ThrSev4:   b.Thresholds.Sev4,
			ThrSev5:   b.Thresholds.Sev5,
		}
		if _, err := s.db.NamedExecContext(ctx, upsertTimeBaselineSQL, row); err != nil {
			return errors.Wrapf(err, "upserting time baseline %s d%d h%d", b.SpanKey, b.DayOfWeek, b.HourOfDay)
		}
	}
	return nil
}

func (s *postgresStore) SpanBaselines(ctx context.Context) ([]model.SpanBaseline, error) {
	var rows []spanBaselineRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM span_baselines ORDER BY sample_count DESC`); err != nil {
		return nil, errors.Wrap(err, "loading span baselines")
	}

	out := make([]model.SpanBaseline, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SpanBaseline{
			SpanKey:     r.SpanKey,
			Service:     r.Service,
			Operation:   r.Operation,
			Mean:        r.Mean,
			StdDev:      r.StdDev,
			Variance:    r.Variance,
			P50:         r.P50,
			P95:         r.P95,
			P99:         r.P99,
			Min:         r.Min,
			Max:         r.Max,
			SampleCount: r.SampleCount,
			LastUpdated: r.LastUpdated,
		})
	}
	return out, nil
}

func (s *postgresStore) TimeBaselines(ctx context.Context) ([]model.TimeBaseline, error) {
	var rows []timeBaselineRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM time_baselines ORDER BY span_key, day_of_week, hour_of_day`); err != nil {
		return nil, errors.Wrap(err, "loading time baselines")
	}

	out := make([]model.TimeBaseline, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TimeBaseline{
			SpanBaseline: model.SpanBaseline{
				SpanKey:     r.SpanKey,
				Service:     r.Service,
				Operation:   r.Operation,
				Mean:        r.Mean,
				StdDev:      r.StdDev,
				Variance:    r.Variance,
				P50:         r.P50,
				P95:         r.P95,
				P99:         r.P99,
				Min:         r.Min,
				Max:         r.Max,
				SampleCount: r.SampleCount,
				LastUpdated: r.LastUpdated,
			},
			DayOfWeek: r.DayOfWeek,
			HourOfDay: r.HourOfDay,
			Thresholds: model.Thresholds{
				Sev1: r.ThrSev1,
				Sev2: r.ThrSev2,
				Sev3: r.ThrSev3,
				Sev4: r.ThrSev4,
				Sev5: r.ThrSev5,
			},
		})
	}
	return out, nil
}

func (s *postgresStore) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	attrs, err := jsoniter.Marshal(a.Attributes)
	if err != nil {
		return errors.Wrap(err, "encoding anomaly attributes")
	}

	row := anomalyRow{
		ID:             a.ID,
		Kind:           string(a.Kind),
		TraceID:        a.TraceID,
		SpanID:         a.SpanID,
		Service:        a.Service,
		Operation:      a.Operation,
		Value:          a.Value,
		ExpectedMean:   a.ExpectedMean,
		ExpectedStdDev: a.ExpectedStdDev,
		Deviation:      a.Deviation,
		Severity:       int(a.Severity),
		SeverityName:   a.SeverityName,
		DayOfWeek:      a.DayOfWeek,
		HourOfDay:      a.HourOfDay,
		Timestamp:      a.Timestamp,
		Attributes:     attrs,
	}
	if _, err := s.db.NamedExecContext(ctx, insertAnomalySQL, row); err != nil {
		return errors.Wrapf(err, "inserting anomaly %s", a.ID)
	}
	return nil
}

func (s *postgresStore) AnomalyHistory(ctx context.Context, q HistoryQuery) ([]model.Anomaly, error) {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}

	query := `SELECT * FROM anomalies WHERE ts > ?`
	args := []any{time.Now().UTC().Add(-time.Duration(q.Hours) * time.Hour)}
	if q.Service != "" {
		query += ` AND service = ?`
		args = append(args, q.Service)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, q.Limit)

	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "loading anomaly history")
	}

	out := make([]model.Anomaly, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r anomalyRow) toModel() (model.Anomaly, error) {
	var attrs model.Attributes
	if len(r.Attributes) > 0 {
		if err := jsoniter.Unmarshal(r.Attributes, &attrs); err != nil {
			return model.Anomaly{}, errors.Wrapf(err, "decoding attributes of anomaly %s", r.ID)
		}
	}

	return model.Anomaly{
		ID:             r.ID,
		Kind:           model.Kind(r.Kind),
		TraceID:        r.TraceID,
		SpanID:         r.SpanID,
		Service:        r.Service,
		Operation:      r.Operation,
		Value:          r.Value,
		ExpectedMean:   r.ExpectedMean,
		ExpectedStdDev: r.ExpectedStdDev,
		Deviation:      r.Deviation,
		Severity:       model.Severity(r.Severity),
		SeverityName:   r.SeverityName,
		DayOfWeek:      r.DayOfWeek,
		HourOfDay:      r.HourOfDay,
		Timestamp:      r.Timestamp,
		Attributes:     attrs,
	}, nil
}

func (s *postgresStore) HourlyTrend(ctx context.Context, hours int) ([]TrendBucket, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var buckets []TrendBucket
	if err := s.db.SelectContext(ctx, &buckets, hourlyTrendSQL, since); err != nil {
		return nil, errors.Wrap(err, "loading hourly trend")
	}

	return fillTrend(buckets, hours, time.Now()), nil
}

func (s *postgresStore) Watermark(ctx context.Context, service string) (model.Watermark, bool, error) {
	var row watermarkRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM recalc_watermarks WHERE service = $1`, service)
	if err == sql.ErrNoRows {
		return model.Watermark{}, false, nil
	}
	if err != nil {
		return model.Watermark{}, false, errors.Wrapf(err, "loading watermark for %s", service)
	}

	return model.Watermark{
		Service:          row.Service,
		LastTraceTime:    row.LastTraceTime,
		ProcessingStatus: row.ProcessingStatus,
		UpdatedAt:        row.UpdatedAt,
	}, true, nil
}

func (s *postgresStore) SetWatermark(ctx context.Context, wm model.Watermark) error {
	row := watermarkRow{
		Service:          wm.Service,
		LastTraceTime:    wm.LastTraceTime,
		ProcessingStatus: wm.ProcessingStatus,
		UpdatedAt:        wm.UpdatedAt,
	}
	if _, err := s.db.NamedExecContext(ctx, setWatermarkSQL, row); err != nil {
		return errors.Wrapf(err, "setting watermark for %s", wm.Service)
	}
	return nil
}

func (s *postgresStore) ClearWatermarks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recalc_watermarks`); err != nil {
		return errors.Wrap(err, "clearing watermarks")
	}
	return nil
}

func (s *postgresStore) InsertTrainingExample(ctx context.Context, ex model.TrainingExample) error {
	anomaly, err := jsoniter.Marshal(ex.Anomaly)
	if err != nil {
		return errors.Wrap(err, "encoding training anomaly")
	}

	row := trainingExampleRow{
		ID:         ex.ID,
		Anomaly:    anomaly,
		Prompt:     ex.Prompt,
		Completion: ex.Completion,
		Rating:     ex.Rating,
		Correction: ex.Correction,
		Notes:      ex.Notes,
		CreatedAt:  ex.CreatedAt,
	}
	if _, err := s.db.NamedExecContext(ctx, insertTrainingExampleSQL, row); err != nil {
		return errors.Wrapf(err, "inserting training example %s", ex.ID)
	}
	return nil
}

func (s *postgresStore) TrainingExamples(ctx context.Context) ([]model.TrainingExample, error) {
	var rows []trainingExampleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM training_examples ORDER BY created_at`); err != nil {
		return nil, errors.Wrap(err, "loading training examples")
	}

	out := make([]model.TrainingExample, 0, len(rows))
	for _, r := range rows {
		var anomaly model.Anomaly
		if len(r.Anomaly) > 0 {
			if err := jsoniter.Unmarshal(r.Anomaly, &anomaly); err != nil {
				return nil, errors.Wrapf(err, "decoding training example %s", r.ID)
			}
		}
		out = append(out, model.TrainingExample{
			ID:         r.ID,
			Anomaly:    anomaly,
			Prompt:     r.Prompt,
			Completion: r.Completion,
			Rating:     r.Rating,
			Correction: r.Correction,
			Notes:      r.Notes,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

func (s *postgresStore) DeleteTrainingExample(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM training_examples WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrapf(err, "deleting training example %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}

package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kx-labs/tracewatch/pkg/model"
)

func newMockStore(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &postgresStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestPostgresUpsertSpanBaseline(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO span_baselines .* ON CONFLICT \(span_key\) DO UPDATE`).
		WithArgs("payment-service:POST /charge", "payment-service", "POST /charge",
			120.0, 14.14, 200.0, 118.0, 145.0, 160.0, 90.0, 180.0, 500, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertSpanBaselines(context.Background(), []model.SpanBaseline{{
		SpanKey:     "payment-service:POST /charge",
		Service:     "payment-service",
		Operation:   "POST /charge",
		Mean:        120,
		StdDev:      14.14,
		Variance:    200,
		P50:         118,
		P95:         145,
		P99:         160,
		Min:         90,
		Max:         180,
		SampleCount: 500,
		LastUpdated: time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertTimeBaselineConflictKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO time_baselines .* ON CONFLICT \(span_key, day_of_week, hour_of_day\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertTimeBaselines(context.Background(), []model.TimeBaseline{{
		SpanBaseline: model.SpanBaseline{SpanKey: "payment-service:POST /charge", SampleCount: 40},
		DayOfWeek:    3,
		HourOfDay:    14,
		Thresholds:   model.DefaultThresholds(),
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertAnomalyDoesNothingOnConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO anomalies .* ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.InsertAnomaly(context.Background(), model.Anomaly{
		ID:        "abc123-span1",
		Kind:      model.KindLatency,
		TraceID:   "abc123",
		SpanID:    "span1",
		Service:   "payment-service",
		Severity:  model.SeverityCritical,
		Timestamp: time.Now().UTC(),
		Attributes: model.Attributes{
			"http.status_code": model.IntValue(503),
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnomalyHistoryQueryShape(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "kind", "trace_id", "span_id", "service", "operation", "value", "expected_mean", "expected_std_dev", "deviation", "severity", "severity_name", "day_of_week", "hour_of_day", "ts", "attributes"}
	mock.ExpectQuery(`SELECT \* FROM anomalies WHERE ts > \$1 AND service = \$2 ORDER BY ts DESC LIMIT \$3`).
		WithArgs(sqlmock.AnyArg(), "payment-service", 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("abc123-span1", "latency", "abc123", "span1", "payment-service", "POST /charge",
				450.0, 120.0, 14.14, 23.3, 1, "Critical", 3, 14, time.Now().UTC(), []byte(`{"http.status_code":503}`)))

	got, err := s.AnomalyHistory(context.Background(), HistoryQuery{Hours: 24, Service: "payment-service", Limit: 50})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, int64(503), got[0].Attributes.Int("http.status_code"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHourlyTrend(t *testing.T) {
	s, mock := newMockStore(t)
	hour := time.Now().UTC().Truncate(time.Hour)

	mock.ExpectQuery(`SELECT date_trunc\('hour', ts\) AS hour`).
		WillReturnRows(sqlmock.NewRows([]string{"hour", "count", "critical"}).AddRow(hour, 4, 2))

	got, err := s.HourlyTrend(context.Background(), 6)
	require.NoError(t, err)
	require.Len(t, got, 6)

	last := got[len(got)-1]
	assert.Equal(t, hour, last.Hour)
	assert.Equal(t, 4, last.Count)
	assert.Equal(t, 2, last.Critical)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWatermarkMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM recalc_watermarks WHERE service = \$1`).
		WithArgs("payment-service").
		WillReturnError(sql.ErrNoRows)

	_, found, err := s.Watermark(context.Background(), "payment-service")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetWatermarkUpserts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO recalc_watermarks .* ON CONFLICT \(service\) DO UPDATE`).
		WithArgs("payment-service", sqlmock.AnyArg(), "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SetWatermark(context.Background(), model.Watermark{
		Service:          "payment-service",
		LastTraceTime:    time.Now().UTC(),
		ProcessingStatus: "completed",
		UpdatedAt:        time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteTrainingExample(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM training_examples WHERE id = \$1`).
		WithArgs("ex-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM training_examples WHERE id = \$1`).
		WithArgs("ex-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err := s.DeleteTrainingExample(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.DeleteTrainingExample(context.Background(), "ex-2")
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

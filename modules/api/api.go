package api

import (
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"

	"github.com/kx-labs/tracewatch/modules/analyzer"
	"github.com/kx-labs/tracewatch/modules/correlator"
	"github.com/kx-labs/tracewatch/modules/detector"
	"github.com/kx-labs/tracewatch/modules/history"
	"github.com/kx-labs/tracewatch/modules/recalculator"
	"github.com/kx-labs/tracewatch/modules/training"
	"github.com/kx-labs/tracewatch/pkg/api"
	"github.com/kx-labs/tracewatch/pkg/model"
)

var tracer = otel.Tracer("modules/api")

// Detector is the active-window side of the pipeline.
type Detector interface {
	Health() detector.HealthReport
	Active() []model.Anomaly
}

// Profiler serves the hot-window baselines.
type Profiler interface {
	Baselines() []model.SpanBaseline
}

// Recalculator serves time baselines and on-demand recalculation.
type Recalculator interface {
	Recalculate(ctx context.Context, full bool) recalculator.Result
	TimeBaselines() []model.TimeBaseline
	Status() recalculator.Status
}

// Analyzer serves one-shot trace analysis.
type Analyzer interface {
	AnalyzeTrace(ctx context.Context, traceID, anomalyID string) (model.Analysis, error)
}

// Correlator serves metric snapshots.
type Correlator interface {
	Correlate(ctx context.Context, service string, ts time.Time) correlator.Correlation
	Summary(ctx context.Context, services []string) []correlator.Correlation
	Healthy(ctx context.Context) bool
}

// Amounts serves amount baselines and the synchronous whale check.
type Amounts interface {
	Baselines() []model.AmountBaseline
	Active() []model.Anomaly
	CheckTransaction(opType, asset string, amount float64, reference string) (model.Anomaly, bool)
}

// Trainer manages the rated-example corpus.
type Trainer interface {
	Rate(ctx context.Context, ex model.TrainingExample) (model.TrainingExample, error)
	List(ctx context.Context) ([]model.TrainingExample, error)
	Stats(ctx context.Context) (training.Stats, error)
	ExportJSONL(ctx context.Context, w io.Writer) error
	Delete(ctx context.Context, id string) error
}

// HistoryReader serves the persisted anomaly log.
type HistoryReader interface {
	AnomalyHistory(ctx context.Context, q history.HistoryQuery) ([]model.Anomaly, error)
	HourlyTrend(ctx context.Context, hours int) ([]history.TrendBucket, error)
}

// Streamer upgrades subscribers onto the bus.
type Streamer interface {
	SubscribeHandler(w http.ResponseWriter, r *http.Request)
}

// API is the HTTP/JSON control surface.
type API struct {
	detector     Detector
	profiler     Profiler
	recalculator Recalculator
	analyzer     Analyzer
	correlator   Correlator
	amounts      Amounts
	trainer      Trainer
	reader       HistoryReader
	streamer     Streamer
	monitored    []string
	logger       log.Logger
}

func New(det Detector, prof Profiler, recalc Recalculator, an Analyzer, corr Correlator, am Amounts, tr Trainer, reader HistoryReader, streamer Streamer, monitored []string, logger log.Logger) *API {
	return &API{
		detector:     det,
		profiler:     prof,
		recalculator: recalc,
		analyzer:     an,
		correlator:   corr,
		amounts:      am,
		trainer:      tr,
		reader:       reader,
		streamer:     streamer,
		monitored:    monitored,
		logger:       logger,
	}
}

// RegisterRoutes hangs every control surface operation off the given router.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(api.PathHealth, a.traced("api.Health", a.HealthHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathBaselines, a.traced("api.Baselines", a.BaselinesHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathTimeBaselines, a.traced("api.TimeBaselines", a.TimeBaselinesHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathAnomalies, a.traced("api.Anomalies", a.AnomaliesHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathAnomalyHistory, a.traced("api.AnomalyHistory", a.AnomalyHistoryHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathAnalyze, a.traced("api.Analyze", a.AnalyzeHandler)).Methods(http.MethodPost)
	r.HandleFunc(api.PathRecalculate, a.traced("api.Recalculate", a.RecalculateHandler)).Methods(http.MethodPost)
	r.HandleFunc(api.PathCorrelate, a.traced("api.Correlate", a.CorrelateHandler)).Methods(http.MethodPost)
	r.HandleFunc(api.PathMetricsSummary, a.traced("api.MetricsSummary", a.MetricsSummaryHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathMetricsHealth, a.traced("api.MetricsHealth", a.MetricsHealthHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathAmountBaselines, a.traced("api.AmountBaselines", a.AmountBaselinesHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathAmountCheck, a.traced("api.AmountCheck", a.AmountCheckHandler)).Methods(http.MethodPost)
	r.HandleFunc(api.PathTrainingRate, a.traced("api.TrainingRate", a.TrainingRateHandler)).Methods(http.MethodPost)
	r.HandleFunc(api.PathTrainingStats, a.traced("api.TrainingStats", a.TrainingStatsHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathTrainingExport, a.traced("api.TrainingExport", a.TrainingExportHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathTrainingDelete, a.traced("api.TrainingDelete", a.TrainingDeleteHandler)).Methods(http.MethodDelete)
	r.HandleFunc(api.PathTrainingExamples, a.traced("api.TrainingExamples", a.TrainingExamplesHandler)).Methods(http.MethodGet)
	r.HandleFunc(api.PathStream, a.streamer.SubscribeHandler).Methods(http.MethodGet)
}

func (a *API) traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), name)
		defer span.End()

		h(w, r.WithContext(ctx))
	}
}

// HealthHandler always answers, regardless of backend state.
func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.detector.Health())
}

func (a *API) BaselinesHandler(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.profiler.Baselines())
}

type timeBaselinesResponse struct {
	Baselines []model.TimeBaseline `json:"baselines"`
	Status    recalculator.Status  `json:"status"`
}

func (a *API) TimeBaselinesHandler(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, timeBaselinesResponse{
		Baselines: a.recalculator.TimeBaselines(),
		Status:    a.recalculator.Status(),
	})
}

// AnomaliesHandler merges the active latency and amount anomalies, newest
// first.
func (a *API) AnomaliesHandler(w http.ResponseWriter, _ *http.Request) {
	active := a.detector.Active()
	active = append(active, a.amounts.Active()...)
	sortAnomalies(active)
	api.WriteJSON(w, http.StatusOK, active)
}

type anomalyHistoryResponse struct {
	Anomalies   []model.Anomaly       `json:"anomalies"`
	HourlyTrend []history.TrendBucket `json:"hourlyTrend"`
	TotalCount  int                   `json:"totalCount"`
}

func (a *API) AnomalyHistoryHandler(w http.ResponseWriter, r *http.Request) {
	q := history.HistoryQuery{
		Hours:   api.QueryHours(r, 24),
		Service: api.QueryService(r),
		Limit:   api.QueryLimit(r, 0),
	}

	anomalies, err := a.reader.AnomalyHistory(r.Context(), q)
	if err != nil {
		level.Error(a.logger).Log("msg", "anomaly history query failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeStorageFailed, "could not load anomaly history")
		return
	}
	trend, err := a.reader.HourlyTrend(r.Context(), q.Hours)
	if err != nil {
		level.Error(a.logger).Log("msg", "hourly trend query failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeStorageFailed, "could not load hourly trend")
		return
	}

	api.WriteJSON(w, http.StatusOK, anomalyHistoryResponse{
		Anomalies:   anomalies,
		HourlyTrend: trend,
		TotalCount:  len(anomalies),
	})
}

type analyzeRequest struct {
	TraceID   string `json:"traceId"`
	AnomalyID string `json:"anomalyId"`
}

func (a *API) AnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidJSON, "request body must be JSON")
		return
	}
	if req.TraceID == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeMissingTraceID, "traceId is required")
		return
	}

	analysis, err := a.analyzer.AnalyzeTrace(r.Context(), req.TraceID, req.AnomalyID)
	switch {
	case err == analyzer.ErrNoAnomaly:
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "no anomaly found for trace")
		return
	case err != nil:
		level.Warn(a.logger).Log("msg", "one-shot analysis failed", "traceID", req.TraceID, "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeAnalysisFailed, "analysis failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, analysis)
}

type recalculateRequest struct {
	Full bool `json:"full"`
}

// RecalculateHandler answers 409 with the structured result when a run is
// already in flight.
func (a *API) RecalculateHandler(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if r.Body != nil {
		// an empty body means an incremental run
		_ = jsoniter.NewDecoder(r.Body).Decode(&req)
	}

	result := a.recalculator.Recalculate(r.Context(), req.Full)
	if !result.Success && result.Message == recalculator.RefusalMessage {
		api.WriteJSON(w, http.StatusConflict, result)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

type correlateRequest struct {
	AnomalyID string `json:"anomalyId"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

func (a *API) CorrelateHandler(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidJSON, "request body must be JSON")
		return
	}
	if req.Service == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeMissingService, "service is required")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, api.CodeInvalidTimeSpec, "timestamp must be RFC 3339")
			return
		}
		ts = parsed
	}

	api.WriteJSON(w, http.StatusOK, a.correlator.Correlate(r.Context(), req.Service, ts))
}

func (a *API) MetricsSummaryHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.correlator.Summary(r.Context(), a.monitored))
}

func (a *API) MetricsHealthHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]bool{"healthy": a.correlator.Healthy(r.Context())})
}

func (a *API) AmountBaselinesHandler(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.amounts.Baselines())
}

type amountCheckRequest struct {
	Type      string  `json:"type"`
	Asset     string  `json:"asset"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference"`
}

type amountCheckResponse struct {
	IsAnomaly bool           `json:"isAnomaly"`
	Anomaly   *model.Anomaly `json:"anomaly,omitempty"`
}

// AmountCheckHandler is the synchronous whale check for operational callers
// outside the Kafka path.
func (a *API) AmountCheckHandler(w http.ResponseWriter, r *http.Request) {
	var req amountCheckRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidJSON, "request body must be JSON")
		return
	}
	if req.Type == "" || req.Asset == "" || req.Reference == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidAmount, "type, asset and reference are required")
		return
	}
	if req.Amount <= 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidAmount, "amount must be positive")
		return
	}

	anomaly, found := a.amounts.CheckTransaction(req.Type, req.Asset, req.Amount, req.Reference)
	resp := amountCheckResponse{IsAnomaly: found}
	if found {
		resp.Anomaly = &anomaly
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) TrainingRateHandler(w http.ResponseWriter, r *http.Request) {
	var ex model.TrainingExample
	if err := jsoniter.NewDecoder(r.Body).Decode(&ex); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidJSON, "request body must be JSON")
		return
	}

	stored, err := a.trainer.Rate(r.Context(), ex)
	switch {
	case err == training.ErrInvalidRating:
		api.WriteError(w, http.StatusBadRequest, api.CodeInvalidRating, "rating must be good or bad")
		return
	case err != nil:
		level.Error(a.logger).Log("msg", "storing training example failed", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeStorageFailed, "could not store training example")
		return
	}
	api.WriteJSON(w, http.StatusCreated, stored)
}

func (a *API) TrainingStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.trainer.Stats(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.CodeStorageFailed, "could not load training stats")
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

func (a *API) TrainingExamplesHandler(w http.ResponseWriter, r *http.Request) {
	examples, err := a.trainer.List(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.CodeStorageFailed, "could not load training examples")
		return
	}
	api.WriteJSON(w, http.StatusOK, examples)
}

func (a *API) TrainingExportHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(api.HeaderContentType, api.HeaderAcceptNDJSON)
	if err := a.trainer.ExportJSONL(r.Context(), w); err != nil {
		level.Error(a.logger).Log("msg", "training export failed", "err", err)
	}
}

func (a *API) TrainingDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)[api.URLParamTrainingID]

	err := a.trainer.Delete(r.Context(), id)
	switch {
	case err == training.ErrNotFound:
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "training example not found")
		return
	case err != nil:
		api.WriteError(w, http.StatusInternalServerError, api.CodeStorageFailed, "could not delete training example")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sortAnomalies(anomalies []model.Anomaly) {
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Timestamp.After(anomalies[j].Timestamp) })
}

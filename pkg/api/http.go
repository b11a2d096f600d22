package api

import (
	"net/http"
	"strconv"
)

const (
	URLParamTrainingID = "trainingID"

	// anomaly history
	urlParamHours   = "hours"
	urlParamService = "service"
	urlParamLimit   = "limit"

	HeaderAccept          = "Accept"
	HeaderContentType     = "Content-Type"
	HeaderAcceptJSON      = "application/json"
	HeaderContentTypeYAML = "text/yaml"
	HeaderAcceptNDJSON    = "application/x-ndjson"

	PathHealth           = "/api/health"
	PathBaselines        = "/api/baselines"
	PathTimeBaselines    = "/api/baselines/time"
	PathAnomalies        = "/api/anomalies"
	PathAnomalyHistory   = "/api/anomalies/history"
	PathAnalyze          = "/api/analyze"
	PathRecalculate      = "/api/recalculate"
	PathCorrelate        = "/api/correlate"
	PathMetricsSummary   = "/api/metrics/summary"
	PathMetricsHealth    = "/api/metrics/health"
	PathAmountBaselines  = "/api/amounts/baselines"
	PathAmountCheck      = "/api/amounts/check"
	PathTrainingRate     = "/api/training/rate"
	PathTrainingStats    = "/api/training/stats"
	PathTrainingExamples = "/api/training/examples"
	PathTrainingExport   = "/api/training/export"
	PathTrainingDelete   = "/api/training/examples/{" + URLParamTrainingID + "}"
	PathStream           = "/api/stream"

	PathReady         = "/ready"
	PathMetrics       = "/metrics"
	PathStatusConfig  = "/status/config"
	PathStatusVersion = "/status/version"
)

// QueryHours pulls the lookback window in hours from the request, falling
// back to def when absent or unparseable.
func QueryHours(r *http.Request, def int) int {
	return queryInt(r, urlParamHours, def)
}

// QueryLimit pulls the row cap from the request, falling back to def.
func QueryLimit(r *http.Request, def int) int {
	return queryInt(r, urlParamLimit, def)
}

// QueryService pulls the optional service filter from the request.
func QueryService(r *http.Request) string {
	return r.URL.Query().Get(urlParamService)
}

func queryInt(r *http.Request, param string, def int) int {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

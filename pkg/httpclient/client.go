package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/kx-labs/tracewatch/modules/correlator"
	"github.com/kx-labs/tracewatch/modules/detector"
	"github.com/kx-labs/tracewatch/modules/history"
	"github.com/kx-labs/tracewatch/modules/recalculator"
	"github.com/kx-labs/tracewatch/modules/training"
	"github.com/kx-labs/tracewatch/pkg/api"
	"github.com/kx-labs/tracewatch/pkg/model"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("resource not found")

// Client speaks to the control surface. Used by the CLI and integration
// tests.
type Client struct {
	BaseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) WithTransport(t http.RoundTripper) {
	c.client.Transport = t
}

// getFor sends a GET request and decodes the JSON response into out.
func (c *Client) getFor(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(api.HeaderAccept, api.HeaderAcceptJSON)

	return c.do(req, out)
}

// postFor sends body as JSON and decodes the response into out.
func (c *Client) postFor(path string, body, out any) error {
	raw, err := jsoniter.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set(api.HeaderContentType, api.HeaderAcceptJSON)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "querying control surface")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	// 409 still carries a decodable structured result
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s request to %s failed with response: %d body: %s", req.Method, req.URL.String(), resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %T", out)
	}
	return nil
}

func (c *Client) Health() (detector.HealthReport, error) {
	var out detector.HealthReport
	err := c.getFor(api.PathHealth, &out)
	return out, err
}

func (c *Client) Baselines() ([]model.SpanBaseline, error) {
	var out []model.SpanBaseline
	err := c.getFor(api.PathBaselines, &out)
	return out, err
}

// TimeBaselinesResponse pairs the baselines with the recalculator state.
type TimeBaselinesResponse struct {
	Baselines []model.TimeBaseline `json:"baselines"`
	Status    recalculator.Status  `json:"status"`
}

func (c *Client) TimeBaselines() (TimeBaselinesResponse, error) {
	var out TimeBaselinesResponse
	err := c.getFor(api.PathTimeBaselines, &out)
	return out, err
}

func (c *Client) Anomalies() ([]model.Anomaly, error) {
	var out []model.Anomaly
	err := c.getFor(api.PathAnomalies, &out)
	return out, err
}

// AnomalyHistoryResponse is the paged anomaly log with its hourly trend.
type AnomalyHistoryResponse struct {
	Anomalies   []model.Anomaly       `json:"anomalies"`
	HourlyTrend []history.TrendBucket `json:"hourlyTrend"`
	TotalCount  int                   `json:"totalCount"`
}

func (c *Client) AnomalyHistory(hours int, service string) (AnomalyHistoryResponse, error) {
	q := url.Values{}
	if hours > 0 {
		q.Set("hours", strconv.Itoa(hours))
	}
	if service != "" {
		q.Set("service", service)
	}
	path := api.PathAnomalyHistory
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out AnomalyHistoryResponse
	err := c.getFor(path, &out)
	return out, err
}

func (c *Client) Analyze(traceID, anomalyID string) (model.Analysis, error) {
	var out model.Analysis
	err := c.postFor(api.PathAnalyze, map[string]string{"traceId": traceID, "anomalyId": anomalyID}, &out)
	return out, err
}

func (c *Client) Recalculate(full bool) (recalculator.Result, error) {
	var out recalculator.Result
	err := c.postFor(api.PathRecalculate, map[string]bool{"full": full}, &out)
	return out, err
}

func (c *Client) Correlate(service string, ts time.Time) (correlator.Correlation, error) {
	body := map[string]string{"service": service}
	if !ts.IsZero() {
		body["timestamp"] = ts.UTC().Format(time.RFC3339)
	}

	var out correlator.Correlation
	err := c.postFor(api.PathCorrelate, body, &out)
	return out, err
}

func (c *Client) MetricsSummary() ([]correlator.Correlation, error) {
	var out []correlator.Correlation
	err := c.getFor(api.PathMetricsSummary, &out)
	return out, err
}

func (c *Client) AmountBaselines() ([]model.AmountBaseline, error) {
	var out []model.AmountBaseline
	err := c.getFor(api.PathAmountBaselines, &out)
	return out, err
}

// AmountCheckResponse reports the synchronous whale check result.
type AmountCheckResponse struct {
	IsAnomaly bool           `json:"isAnomaly"`
	Anomaly   *model.Anomaly `json:"anomaly,omitempty"`
}

func (c *Client) CheckAmount(opType, asset string, amount float64, reference string) (AmountCheckResponse, error) {
	var out AmountCheckResponse
	err := c.postFor(api.PathAmountCheck, map[string]any{
		"type":      opType,
		"asset":     asset,
		"amount":    amount,
		"reference": reference,
	}, &out)
	return out, err
}

func (c *Client) TrainingExamples() ([]model.TrainingExample, error) {
	var out []model.TrainingExample
	err := c.getFor(api.PathTrainingExamples, &out)
	return out, err
}

func (c *Client) TrainingStats() (training.Stats, error) {
	var out training.Stats
	err := c.getFor(api.PathTrainingStats, &out)
	return out, err
}

func (c *Client) RateTraining(ex model.TrainingExample) (model.TrainingExample, error) {
	var out model.TrainingExample
	err := c.postFor(api.PathTrainingRate, ex, &out)
	return out, err
}

// ExportTraining streams the JSONL corpus to w.
func (c *Client) ExportTraining(w io.Writer) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+api.PathTrainingExport, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "querying control surface")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("export failed with response: %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) DeleteTraining(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.BaseURL+api.PathTrainingExamples+"/"+id, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

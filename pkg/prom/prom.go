package prom

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	queryEndpoint   = "/api/v1/query"
	healthyEndpoint = "/-/healthy"
)

// Config for the Prometheus query client.
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Timeout = 10 * time.Second

	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "http://localhost:9090", "Base URL of the Prometheus server.")
}

// Client evaluates instant queries against the Prometheus HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type queryResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  [2]any            `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// Query evaluates an instant query at ts and returns the value of the first
// sample. found is false when the query matched no series.
func (c *Client) Query(ctx context.Context, query string, ts time.Time) (float64, bool, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("time", strconv.FormatInt(ts.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+queryEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("error querying prometheus: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, false, fmt.Errorf("prometheus query failed with response: %d body: %s", resp.StatusCode, string(body))
	}

	var envelope queryResponse
	if err := jsoniter.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, false, fmt.Errorf("error decoding prometheus response: %w", err)
	}
	if envelope.Status != "success" {
		return 0, false, fmt.Errorf("prometheus query failed: %s", envelope.Error)
	}
	if len(envelope.Data.Result) == 0 {
		return 0, false, nil
	}

	raw, ok := envelope.Data.Result[0].Value[1].(string)
	if !ok {
		return 0, false, fmt.Errorf("unexpected sample value type %T", envelope.Data.Result[0].Value[1])
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("error parsing sample value %q: %w", raw, err)
	}

	return v, true, nil
}

// Healthy reports whether the Prometheus server answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthyEndpoint, nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

package jaeger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchFixture = `{
  "data": [
    {
      "traceID": "abc123",
      "spans": [
        {
          "traceID": "abc123",
          "spanID": "span1",
          "operationName": "POST /charge",
          "references": [],
          "startTime": 1700000000000000,
          "duration": 2500,
          "tags": [
            {"key": "http.status_code", "type": "int64", "value": 503},
            {"key": "http.url", "type": "string", "value": "https://pay.example.com/v1/charge"},
            {"key": "error", "type": "bool", "value": true},
            {"key": "sampling.ratio", "type": "float64", "value": 0.25}
          ],
          "processID": "p1"
        },
        {
          "traceID": "abc123",
          "spanID": "span2",
          "operationName": "SELECT orders",
          "references": [
            {"refType": "CHILD_OF", "traceID": "abc123", "spanID": "span1"}
          ],
          "startTime": 1700000000001000,
          "duration": 900,
          "tags": [],
          "processID": "p2"
        }
      ],
      "processes": {
        "p1": {"serviceName": "payment-service"},
        "p2": {"serviceName": "order-service"}
      }
    }
  ]
}`

func TestSearchRecentConvertsSpans(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"service":  r.URL.Query().Get("service"),
			"lookback": r.URL.Query().Get("lookback"),
			"limit":    r.URL.Query().Get("limit"),
		}
		_, _ = w.Write([]byte(searchFixture))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	traces, err := c.SearchRecent(context.Background(), "payment-service", time.Hour, 100)
	require.NoError(t, err)

	assert.Equal(t, "payment-service", gotQuery["service"])
	assert.Equal(t, "3600s", gotQuery["lookback"])
	assert.Equal(t, "100", gotQuery["limit"])

	require.Len(t, traces, 1)
	require.Len(t, traces[0].Spans, 2)

	root := traces[0].Spans[0]
	assert.Equal(t, "abc123", root.TraceID)
	assert.Equal(t, "payment-service", root.Service)
	assert.Equal(t, "POST /charge", root.Operation)
	assert.Equal(t, 2.5, root.DurationMs)
	assert.Equal(t, time.UnixMicro(1700000000000000).UTC(), root.StartTime)
	assert.Empty(t, root.ParentSpanID)
	assert.Equal(t, int64(503), root.Attributes.Int("http.status_code"))
	assert.Equal(t, "https://pay.example.com/v1/charge", root.Attributes.Str("http.url"))
	assert.True(t, root.Attributes.Bool("error"))
	assert.Equal(t, 0.25, root.Attributes.Float("sampling.ratio"))

	child := traces[0].Spans[1]
	assert.Equal(t, "order-service", child.Service)
	assert.Equal(t, "span1", child.ParentSpanID)
	assert.Equal(t, 0.9, child.DurationMs)
}

func TestSearchDiscardsUnmonitoredServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(searchFixture))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, []string{"payment-service"})
	traces, err := c.SearchRecent(context.Background(), "payment-service", time.Hour, 100)
	require.NoError(t, err)

	require.Len(t, traces, 1)
	require.Len(t, traces[0].Spans, 1)
	assert.Equal(t, "payment-service", traces[0].Spans[0].Service)
}

func TestSearchRangeUsesMicroseconds(t *testing.T) {
	var gotStart, gotEnd string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		gotEnd = r.URL.Query().Get("end")
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	start := time.UnixMicro(1700000000000000).UTC()
	end := start.Add(time.Hour)

	c := New(srv.URL, time.Second, nil)
	_, err := c.SearchRange(context.Background(), "payment-service", start, end, 5000)
	require.NoError(t, err)

	assert.Equal(t, "1700000000000000", gotStart)
	assert.Equal(t, "1700003600000000", gotEnd)
}

func TestTraceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	_, err := c.Trace(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraceEmptyEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	_, err := c.Trace(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnreachableQueryService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := New(srv.URL, time.Second, nil)
	_, err := c.SearchRecent(context.Background(), "payment-service", time.Hour, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

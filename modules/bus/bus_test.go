package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestBus(t *testing.T, cfg Config) (*Bus, *websocket.Conn) {
	t.Helper()

	b := New(cfg, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), b))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), b)
	})

	srv := httptest.NewServer(http.HandlerFunc(b.SubscribeHandler))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return b.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	return b, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, jsoniter.Unmarshal(buf, &msg))
	return msg
}

func TestPublishReachesSubscriber(t *testing.T) {
	b, conn := startTestBus(t, Config{HeartbeatInterval: time.Hour, SendBuffer: 16})

	b.Publish(Alert("critical", "payment gateway down", map[string]any{"service": "payment-service"}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageAlert, msg.Type)

	_, err := time.Parse(time.RFC3339, msg.Timestamp)
	assert.NoError(t, err)

	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "critical", data["severity"])
	assert.Equal(t, "payment gateway down", data["message"])
}

func TestChunksArriveInOrder(t *testing.T) {
	b, conn := startTestBus(t, Config{HeartbeatInterval: time.Hour, SendBuffer: 16})

	ids := []string{"abc123-span1"}
	b.Publish(AnalysisStart(ids))
	b.Publish(AnalysisChunk("The payment ", ids))
	b.Publish(AnalysisChunk("gateway is down.", ids))
	b.Publish(AnalysisComplete(ids, "The payment gateway is down."))

	assert.Equal(t, MessageAnalysisStart, readMessage(t, conn).Type)

	first := readMessage(t, conn)
	assert.Equal(t, MessageAnalysisChunk, first.Type)
	assert.Equal(t, "The payment ", first.Data)
	assert.Equal(t, ids, first.AnomalyIDs)

	second := readMessage(t, conn)
	assert.Equal(t, "gateway is down.", second.Data)

	complete := readMessage(t, conn)
	assert.Equal(t, MessageAnalysisComplete, complete.Type)
	assert.Equal(t, "The payment gateway is down.", complete.Data)
}

func TestHeartbeatCarriesClientCount(t *testing.T) {
	_, conn := startTestBus(t, Config{HeartbeatInterval: 50 * time.Millisecond, SendBuffer: 16})

	msg := readMessage(t, conn)
	require.Equal(t, MessageHeartbeat, msg.Type)

	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["clients"])
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	b, conn := startTestBus(t, Config{HeartbeatInterval: time.Hour, SendBuffer: 16})

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return b.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(Config{HeartbeatInterval: time.Hour, SendBuffer: 16}, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), b))
	defer func() {
		_ = services.StopAndAwaitTerminated(context.Background(), b)
	}()

	// must not panic or block
	b.Publish(Heartbeat(0))
}

package bus

import (
	"context"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracewatch",
		Name:      "bus_connected_clients",
		Help:      "The current number of websocket subscribers",
	})
	metricMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "bus_messages_published_total",
		Help:      "The total number of messages published by type",
	}, []string{"type"})
	metricMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "bus_messages_dropped_total",
		Help:      "The total number of messages dropped because a subscriber was too slow",
	})
)

const writeTimeout = 10 * time.Second

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(Message)
}

// Config for the subscriber bus.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendBuffer        int           `yaml:"send_buffer"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.HeartbeatInterval = 30 * time.Second
	cfg.SendBuffer = 16
}

// Bus fans analysis streams, alerts and heartbeats out to websocket
// subscribers. Producers never block: a subscriber that cannot keep up has
// messages dropped.
type Bus struct {
	services.Service

	cfg    Config
	logger log.Logger

	upgrader websocket.Upgrader

	mtx     sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func New(cfg Config, logger log.Logger) *Bus {
	b := &Bus{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	b.Service = services.NewBasicService(nil, b.running, b.stopping)
	return b
}

func (b *Bus) running(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Publish(Heartbeat(b.ClientCount()))
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bus) stopping(_ error) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for c := range b.clients {
		close(c.send)
		delete(b.clients, c)
	}
	metricConnectedClients.Set(0)
	return nil
}

// Publish serializes msg once and offers it to every subscriber.
func (b *Bus) Publish(msg Message) {
	buf, err := jsoniter.Marshal(msg)
	if err != nil {
		level.Error(b.logger).Log("msg", "failed to marshal bus message", "type", msg.Type, "err", err)
		return
	}
	metricMessagesPublished.WithLabelValues(string(msg.Type)).Inc()

	b.mtx.RLock()
	defer b.mtx.RUnlock()

	for c := range b.clients {
		select {
		case c.send <- buf:
		default:
			metricMessagesDropped.Inc()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (b *Bus) ClientCount() int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	return len(b.clients)
}

// SubscribeHandler upgrades the request to a websocket and streams bus
// messages until the peer goes away.
func (b *Bus) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(b.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, b.cfg.SendBuffer),
	}
	b.register(c)
	go c.writePump()

	// discard inbound frames, the bus is push-only
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.unregister(c)
}

func (b *Bus) register(c *client) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.clients[c] = struct{}{}
	metricConnectedClients.Set(float64(len(b.clients)))
}

func (b *Bus) unregister(c *client) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
	metricConnectedClients.Set(float64(len(b.clients)))
}

func (c *client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for buf := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			return
		}
	}
}

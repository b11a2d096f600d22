package amounts

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kx-labs/tracewatch/pkg/model"
)

var (
	metricKafkaRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_kafka_records_total",
		Help:      "The total number of execution events consumed from Kafka",
	})
	metricKafkaDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_kafka_decode_failures_total",
		Help:      "The total number of execution events that could not be decoded",
	})
	metricKafkaFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "amounts_kafka_fetch_errors_total",
		Help:      "The total number of fetch errors from the Kafka consumer",
	})
)

// KafkaConfig for the optional execution event feed. Empty brokers disable
// the consumer, the transaction poll remains the backstop.
type KafkaConfig struct {
	Brokers       flagext.StringSlice `yaml:"brokers"`
	Topic         string              `yaml:"topic"`
	ConsumerGroup string              `yaml:"consumer_group"`
}

func (cfg *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Topic = "wallet.executions"
	cfg.ConsumerGroup = "tracewatch"

	f.Var(&cfg.Brokers, prefix+".brokers", "Kafka seed brokers for the execution event feed. Empty disables the consumer.")
}

// Enabled reports whether brokers are configured.
func (cfg *KafkaConfig) Enabled() bool { return len(cfg.Brokers) > 0 }

// executionEvent is the wire format of one executed order or transfer.
type executionEvent struct {
	Type      string  `json:"type"`
	Asset     string  `json:"asset"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference"`
	Timestamp int64   `json:"timestamp"`
}

// Checker scores executed transactions.
type Checker interface {
	CheckTransaction(opType, asset string, amount float64, reference string) (model.Anomaly, bool)
}

// Consumer drives CheckTransaction from the execution event topic, so whales
// are flagged the moment they execute instead of on the next poll.
type Consumer struct {
	services.Service

	cfg     KafkaConfig
	client  *kgo.Client
	checker Checker
	logger  log.Logger
}

func NewConsumer(cfg KafkaConfig, checker Checker, logger log.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}

	c := &Consumer{
		cfg:     cfg,
		client:  client,
		checker: checker,
		logger:  logger,
	}
	c.Service = services.NewBasicService(nil, c.running, c.stopping)
	return c, nil
}

func (c *Consumer) running(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			metricKafkaFetchErrors.Inc()
			level.Warn(c.logger).Log("msg", "kafka fetch error", "topic", topic, "partition", partition, "err", err)
		})
		fetches.EachRecord(c.consume)
	}
}

func (c *Consumer) stopping(_ error) error {
	c.client.Close()
	return nil
}

func (c *Consumer) consume(record *kgo.Record) {
	metricKafkaRecords.Inc()

	var ev executionEvent
	if err := jsoniter.Unmarshal(record.Value, &ev); err != nil {
		metricKafkaDecodeFailures.Inc()
		level.Warn(c.logger).Log("msg", "undecodable execution event", "offset", record.Offset, "err", err)
		return
	}
	if ev.Type == "" || ev.Asset == "" || ev.Reference == "" {
		metricKafkaDecodeFailures.Inc()
		level.Warn(c.logger).Log("msg", "incomplete execution event", "offset", record.Offset)
		return
	}

	c.checker.CheckTransaction(ev.Type, ev.Asset, ev.Amount, ev.Reference)
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nuetzliches/courier/internal/request"
)

const DefaultKafkaTopic = "courier.requests"

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaTransport produces each request as one record, keyed by request ID,
// for relays that hand delivery to a downstream consumer.
type KafkaTransport struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafkaTransport(cfg KafkaConfig, logger *slog.Logger) (*KafkaTransport, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &KafkaTransport{
		client: client,
		topic:  topic,
		logger: logger.With("component", "kafka-transport"),
	}, nil
}

func (k *KafkaTransport) Send(ctx context.Context, req request.Request, attempt int) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	value, err := json.Marshal(req)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(req.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(req.Endpoint.Kind)},
			{Key: "account_key", Value: []byte(req.AccountKey)},
			{Key: "attempt", Value: []byte(strconv.Itoa(attempt))},
		},
	}

	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, kerr.MessageTooLarge) {
			return nil, &InvalidRequestError{Reason: err.Error()}
		}
		return nil, &NetworkError{Err: err}
	}

	k.logger.Debug("kafka_record_produced",
		slog.String("topic", k.topic),
		slog.String("request_id", req.ID),
		slog.Int("attempt", attempt),
	)
	return nil, nil
}

func (k *KafkaTransport) Close() {
	k.client.Close()
}

package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
)

// KafkaSink publishes each emission as a JSON message on a topic.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaSink wraps an existing producer. The sink takes ownership and closes it on Close.
func NewKafkaSink(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

// DialKafkaSink connects a synchronous producer to brokers.
func DialKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return NewKafkaSink(producer, topic, logger), nil
}

func (s *KafkaSink) Publish(ctx context.Context, e Emission) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}

	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(e.Minute, 10)),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("publish minute %d to %s: %w", e.Minute, s.topic, err)
	}

	s.logger.DebugContext(ctx, "published emission",
		slog.String("topic", s.topic),
		slog.Int64("minute", e.Minute),
		slog.Int("users", e.Users),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
	)

	return nil
}

// Close flushes and closes the underlying producer.
func (s *KafkaSink) Close() error { return s.producer.Close() }

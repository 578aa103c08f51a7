package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// ErrNoSession is returned by Commit when the consumer group is between sessions.
var ErrNoSession = errors.New("no active kafka session")

// KafkaConfig selects the topic and consumer group to read.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// BufferSize bounds messages consumed but not yet fetched.
	BufferSize int
}

// KafkaSource reads one topic as a member of a consumer group. Offsets are
// committed only through Commit.
type KafkaSource struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *consumerHandler
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// fetched but not yet committed
	pending   []claimed
	closeOnce sync.Once
}

// NewSaramaConfig returns the consumer configuration used by DialKafka.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false

	return cfg
}

// DialKafka joins the consumer group and starts consuming in the background.
func DialKafka(cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %q: %w", cfg.ConsumerGroup, err)
	}

	return newKafkaSource(group, cfg.Topic, cfg.BufferSize, logger), nil
}

func newKafkaSource(group sarama.ConsumerGroup, topic string, bufferSize int, logger *slog.Logger) *KafkaSource {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	logger = logger.With(slog.String("topic", topic))

	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		group:   group,
		topic:   topic,
		handler: newConsumerHandler(bufferSize, logger),
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.consume(ctx)
	go s.logErrors()

	return s
}

func (s *KafkaSource) consume(ctx context.Context) {
	defer close(s.done)

	for {
		// Consume returns on every rebalance and must be called again.
		if err := s.group.Consume(ctx, []string{s.topic}, s.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}

			s.logger.Error("kafka consume failed", slog.String("err", err.Error()))
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *KafkaSource) logErrors() {
	for err := range s.group.Errors() {
		s.logger.Warn("kafka consumer error", slog.String("err", err.Error()))
	}
}

// Ready is closed once the first session has been set up.
func (s *KafkaSource) Ready() <-chan struct{} { return s.handler.ready }

// Fetch collects up to max messages, returning early once wait has elapsed.
func (s *KafkaSource) Fetch(ctx context.Context, max int, wait time.Duration) ([][]byte, error) {
	if max <= 0 {
		max = 1
	}

	batch := make([][]byte, 0, max)
	timeout := time.NewTimer(wait)

	defer timeout.Stop()

loop:
	for len(batch) < max {
		select {
		case m := <-s.handler.messages:
			s.pending = append(s.pending, m)
			batch = append(batch, m.msg.Value)
		case <-timeout.C:
			s.logger.Debug("timed out waiting for messages", slog.Duration("waited", wait), slog.Int("batch_size", len(batch)))

			break loop
		case <-ctx.Done():
			return batch, ctx.Err()
		}
	}

	return batch, nil
}

// Commit marks every fetched message still owned by this member and commits
// the session offsets. Pending offsets are dropped either way; anything left
// unmarked is redelivered after the rebalance.
func (s *KafkaSource) Commit(context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	marked, ok := s.handler.mark(s.pending)
	total := len(s.pending)
	s.pending = s.pending[:0]

	if !ok {
		s.logger.Warn("no active session, offsets will be redelivered", slog.Int("messages", total))

		return ErrNoSession
	}

	if skipped := total - marked; skipped > 0 {
		s.logger.Warn("skipped offsets claimed by an earlier session", slog.Int("messages", skipped))
	}

	return nil
}

// Close leaves the consumer group and waits for the consume loop to exit.
func (s *KafkaSource) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.logger.Info("closing kafka source")
		s.cancel()
		err = s.group.Close()
		<-s.done
	})

	return err
}

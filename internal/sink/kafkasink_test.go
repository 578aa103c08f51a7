package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func newTestKafkaSink(t *testing.T) (*KafkaSink, *mocks.SyncProducer) {
	t.Helper()

	conf := mocks.NewTestConfig()
	conf.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, conf)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewKafkaSink(producer, "output-topic", logger), producer
}

func TestKafkaSink_Publish_Success(t *testing.T) {
	s, producer := newTestKafkaSink(t)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "output-topic" {
			return errors.New("unexpected topic " + msg.Topic)
		}

		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}

		if string(key) != "24470739" {
			return errors.New("unexpected key " + string(key))
		}

		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"ts":24470740,"n_users":7}` {
			return errors.New("unexpected value " + string(val))
		}

		return nil
	})

	require.NoError(t, s.Publish(context.Background(), Emission{Minute: 24470739, Users: 100}))
	require.NoError(t, s.Publish(context.Background(), Emission{Minute: 24470740, Users: 7}))
	require.NoError(t, s.Close())
}

func TestKafkaSink_Publish_Failure(t *testing.T) {
	s, producer := newTestKafkaSink(t)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := s.Publish(context.Background(), Emission{Minute: 1, Users: 2})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

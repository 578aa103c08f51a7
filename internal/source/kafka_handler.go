package source

import (
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// claimed is a message tagged with the generation of the session that delivered it.
type claimed struct {
	msg        *sarama.ConsumerMessage
	generation int32
}

// consumerHandler forwards claimed messages to a channel drained by KafkaSource.Fetch.
type consumerHandler struct {
	ready       chan struct{}
	readyCloser sync.Once
	messages    chan claimed
	logger      *slog.Logger

	mu   sync.Mutex
	sess sarama.ConsumerGroupSession
}

func newConsumerHandler(bufferSize int, logger *slog.Logger) *consumerHandler {
	return &consumerHandler{
		ready:    make(chan struct{}),
		messages: make(chan claimed, bufferSize),
		logger:   logger,
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	h.readyCloser.Do(func() { close(h.ready) })

	h.logger.Info("kafka session started",
		slog.String("member_id", sess.MemberID()),
		slog.Int("generation_id", int(sess.GenerationID())),
	)

	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess.Commit()
	h.sess = nil

	return nil
}

// ConsumeClaim is called in its own goroutine per claimed partition.
func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			select {
			case h.messages <- claimed{msg: msg, generation: sess.GenerationID()}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			h.logger.Debug("session context done, stopping claim",
				slog.String("topic", claim.Topic()),
				slog.Int("partition", int(claim.Partition())),
			)

			return nil
		}
	}
}

// mark marks the msgs claimed by the current session and commits. Offsets from
// an earlier generation are skipped: their partitions may now belong to another
// member, which will redeliver them. It returns how many were marked and false
// when no session is active.
func (h *consumerHandler) mark(msgs []claimed) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess == nil {
		return 0, false
	}

	gen := h.sess.GenerationID()
	marked := 0

	for _, m := range msgs {
		if m.generation != gen {
			continue
		}

		h.sess.MarkMessage(m.msg, "")
		marked++
	}

	h.sess.Commit()

	return marked, true
}

package source

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	ctx        context.Context
	generation int32

	mu      sync.Mutex
	marked  []int64
	commits int
}

func (f *fakeSession) Claims() map[string][]int32 { return nil }
func (f *fakeSession) MemberID() string { return "member-1" }
func (f *fakeSession) GenerationID() int32 { return f.generation }
func (f *fakeSession) MarkOffset(string, int32, int64, string) {}
func (f *fakeSession) ResetOffset(string, int32, int64, string) {}
func (f *fakeSession) Context() context.Context { return f.ctx }
func (f *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, m.Offset)
}

func (f *fakeSession) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
}

func (f *fakeSession) snapshot() ([]int64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.marked...), f.commits
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "stream-topic" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return int64(len(c.msgs)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// fakeGroup runs a single session over one claim until its context ends.
type fakeGroup struct {
	claim *fakeClaim
	errs  chan error

	mu     sync.Mutex
	closed bool
	sess   *fakeSession
}

func newFakeGroup(values ...string) *fakeGroup {
	msgs := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		msgs <- &sarama.ConsumerMessage{Topic: "stream-topic", Offset: int64(i), Value: []byte(v)}
	}

	return &fakeGroup{claim: &fakeClaim{msgs: msgs}, errs: make(chan error)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return sarama.ErrClosedConsumerGroup
	}
	sess := &fakeSession{ctx: ctx, generation: 1}
	g.sess = sess
	g.mu.Unlock()

	if err := h.Setup(sess); err != nil {
		return err
	}

	_ = h.ConsumeClaim(sess, g.claim)
	<-ctx.Done()

	return h.Cleanup(sess)
}

func (g *fakeGroup) session() *fakeSession {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.sess
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		g.closed = true
		close(g.errs)
	}

	return nil
}

func (g *fakeGroup) Pause(map[string][]int32) {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll() {}
func (g *fakeGroup) ResumeAll() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKafkaSource_FetchCommitClose(t *testing.T) {
	g := newFakeGroup(`{"ts":1,"uid":"a"}`, `{"ts":2,"uid":"b"}`, `{"ts":3,"uid":"c"}`)
	s := newKafkaSource(g, "stream-topic", 10, discardLogger())

	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatal("consumer never became ready")
	}

	batch, err := s.Fetch(context.Background(), 3, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, `{"ts":1,"uid":"a"}`, string(batch[0]))

	require.NoError(t, s.Commit(context.Background()))

	marked, commits := g.session().snapshot()
	require.Equal(t, []int64{0, 1, 2}, marked)
	require.GreaterOrEqual(t, commits, 1)

	// Nothing pending: commit is a no-op.
	require.NoError(t, s.Commit(context.Background()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestKafkaSource_FetchTimesOut(t *testing.T) {
	g := newFakeGroup()
	s := newKafkaSource(g, "stream-topic", 10, discardLogger())
	defer func() { require.NoError(t, s.Close()) }()

	start := time.Now()
	batch, err := s.Fetch(context.Background(), 5, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestKafkaSource_FetchCanceled(t *testing.T) {
	g := newFakeGroup()
	s := newKafkaSource(g, "stream-topic", 10, discardLogger())
	defer func() { require.NoError(t, s.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx, 5, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConsumerHandler_MarkWithoutSession(t *testing.T) {
	h := newConsumerHandler(1, discardLogger())

	n, ok := h.mark([]claimed{{msg: &sarama.ConsumerMessage{Offset: 1}, generation: 1}})
	require.False(t, ok)
	require.Zero(t, n)
}

func TestConsumerHandler_MarkSkipsEarlierGeneration(t *testing.T) {
	h := newConsumerHandler(1, discardLogger())
	sess := &fakeSession{ctx: context.Background(), generation: 2}
	require.NoError(t, h.Setup(sess))

	n, ok := h.mark([]claimed{
		{msg: &sarama.ConsumerMessage{Offset: 7}, generation: 1},
		{msg: &sarama.ConsumerMessage{Offset: 8}, generation: 2},
	})
	require.True(t, ok)
	require.Equal(t, 1, n)

	marked, commits := sess.snapshot()
	require.Equal(t, []int64{8}, marked)
	require.Equal(t, 1, commits)
}

func TestKafkaSource_CommitWithoutSessionDropsPending(t *testing.T) {
	logger := discardLogger()
	s := &KafkaSource{
		handler: newConsumerHandler(1, logger),
		logger:  logger,
		pending: []claimed{
			{msg: &sarama.ConsumerMessage{Offset: 1}, generation: 1},
			{msg: &sarama.ConsumerMessage{Offset: 2}, generation: 1},
		},
	}

	require.ErrorIs(t, s.Commit(context.Background()), ErrNoSession)
	require.Empty(t, s.pending)

	// Nothing is carried into the next session.
	require.NoError(t, s.Commit(context.Background()))
}

func TestKafkaSource_CommitAfterRebalanceSkipsStaleOffsets(t *testing.T) {
	logger := discardLogger()
	h := newConsumerHandler(1, logger)
	sess := &fakeSession{ctx: context.Background(), generation: 3}
	require.NoError(t, h.Setup(sess))

	s := &KafkaSource{
		handler: h,
		logger:  logger,
		pending: []claimed{
			{msg: &sarama.ConsumerMessage{Offset: 4}, generation: 2},
			{msg: &sarama.ConsumerMessage{Offset: 5}, generation: 3},
		},
	}

	require.NoError(t, s.Commit(context.Background()))
	require.Empty(t, s.pending)

	marked, _ := sess.snapshot()
	require.Equal(t, []int64{5}, marked)
}

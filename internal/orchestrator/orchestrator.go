package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"dash0.com/minute-user-counter/internal/aggregator"
	cfgpkg "dash0.com/minute-user-counter/internal/config"
	"dash0.com/minute-user-counter/internal/sink"
	"dash0.com/minute-user-counter/internal/source"
	"dash0.com/minute-user-counter/internal/window"
)

const instrumentationName = "dash0.com/minute-user-counter"

var (
	ErrNoSource   = errors.New("orchestrator: no source configured")
	ErrAlreadyRan = errors.New("orchestrator: Run called more than once")
)

// Stop reasons reported in the Summary.
const (
	StopExhausted = "exhausted"
	StopCanceled  = "canceled"
	StopBenchmark = "benchmark limit reached"
)

// Service drives the ingestion loop and holds all instance-scoped dependencies and metrics.
type Service struct {
	Cfg    cfgpkg.Config
	Logger *slog.Logger
	Tracer oteltrace.Tracer
	Meter  otelmetric.Meter

	// Metrics
	RecordsReceived otelmetric.Int64Counter
	RecordsRejected otelmetric.Int64Counter
	BatchesInvalid  otelmetric.Int64Counter
	Emissions       otelmetric.Int64Counter
	PublishFailed   otelmetric.Int64Counter
	CommitFailed    otelmetric.Int64Counter
	FetchFailed     otelmetric.Int64Counter
	PendingBuckets  otelmetric.Int64Gauge
	AvgParseTime    otelmetric.Float64Gauge
	AvgProcessTime  otelmetric.Float64Gauge

	Aggregator *aggregator.Aggregator

	src          source.Source
	outSink      sink.Sink
	nowFn        func() time.Time
	fetchBackoff time.Duration

	started      atomic.Bool
	shutdownOnce sync.Once
	emitted      int64
}

type Option func(*Service) error

// WithSink overrides the default stdout sink (useful for tests).
func WithSink(s sink.Sink) Option {
	return func(svc *Service) error { svc.outSink = s; return nil }
}

// WithSource sets where batches are read from. Required.
func WithSource(src source.Source) Option {
	return func(svc *Service) error { svc.src = src; return nil }
}

// WithClock replaces time.Now for elapsed and per-record timings.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) error { svc.nowFn = now; return nil }
}

// WithFetchBackoff sets the pause after a failed fetch.
func WithFetchBackoff(d time.Duration) Option {
	return func(svc *Service) error { svc.fetchBackoff = d; return nil }
}

// New constructs a Service with instance-level instruments.
func New(cfg cfgpkg.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		Cfg:          cfg,
		Logger:       logger,
		Tracer:       otel.Tracer(instrumentationName),
		Meter:        otel.Meter(instrumentationName),
		nowFn:        time.Now,
		fetchBackoff: time.Second,
	}

	if err := s.registerInstruments(); err != nil {
		return nil, err
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.src == nil {
		return nil, ErrNoSource
	}

	// Default sink to stdout if not set
	if s.outSink == nil {
		if cfg.OutputFormat == cfgpkg.OutputJSON {
			s.outSink = sink.NewStdoutJSON()
		} else {
			s.outSink = sink.NewStdoutConsole()
		}
	}

	policy := aggregator.EvictAlways
	if !cfg.EvictOnSinkError {
		policy = aggregator.EvictOnSuccess
	}

	s.Aggregator = aggregator.New(s.outSink, logger,
		aggregator.WithEvictPolicy(policy),
		aggregator.WithMaxRetainedErrors(cfg.MaxRetainedErrors),
		aggregator.WithClock(s.nowFn),
	)
	// Wire aggregator metric callbacks
	s.Aggregator.SetMetricsCallbacks(
		func(n int64) { s.emitted += n; s.IncrMetric(context.Background(), MetricEmissions, n) },
		func(n int64) { s.IncrMetric(context.Background(), MetricPublishFailed, n) },
	)

	return s, nil
}

func (s *Service) registerInstruments() error {
	counters := []struct {
		dst  *otelmetric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&s.RecordsReceived, "com.dash0.minuteusers.records.received", "Raw records fetched from the source", "{record}"},
		{&s.RecordsRejected, "com.dash0.minuteusers.records.rejected", "Records that failed to parse", "{record}"},
		{&s.BatchesInvalid, "com.dash0.minuteusers.batches.invalid", "Batches whose watermark was not trusted", "{batch}"},
		{&s.Emissions, "com.dash0.minuteusers.emissions", "Minute buckets published to the sink", "{bucket}"},
		{&s.PublishFailed, "com.dash0.minuteusers.publish.failed", "Failed bucket publishes", "{failure}"},
		{&s.CommitFailed, "com.dash0.minuteusers.commit.failed", "Failed source commits", "{failure}"},
		{&s.FetchFailed, "com.dash0.minuteusers.fetch.failed", "Failed source fetches", "{failure}"},
	}

	for _, c := range counters {
		counter, err := s.Meter.Int64Counter(c.name, otelmetric.WithDescription(c.desc), otelmetric.WithUnit(c.unit))
		if err != nil {
			return err
		}

		*c.dst = counter
	}

	var err error
	if s.PendingBuckets, err = s.Meter.Int64Gauge(
		"com.dash0.minuteusers.buckets.pending",
		otelmetric.WithDescription("Minute buckets waiting for their watermark"),
		otelmetric.WithUnit("{bucket}"),
	); err != nil {
		return err
	}

	if s.AvgParseTime, err = s.Meter.Float64Gauge(
		"com.dash0.minuteusers.record.parse_time.avg",
		otelmetric.WithDescription("Running average time to decode one record"),
		otelmetric.WithUnit("s"),
	); err != nil {
		return err
	}

	if s.AvgProcessTime, err = s.Meter.Float64Gauge(
		"com.dash0.minuteusers.record.process_time.avg",
		otelmetric.WithDescription("Running average time to decode and aggregate one record"),
		otelmetric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}

// Run pulls batches until the source is exhausted, ctx is canceled, or the
// benchmark limit is reached, then flushes every pending bucket exactly once.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRan
	}

	ctx, span := s.Tracer.Start(ctx, "orchestrator.Run")
	defer span.End()

	start := s.nowFn()
	st := runState{}
	nextProgress := int64(s.Cfg.ProgressEvery)

	s.Logger.InfoContext(ctx, "ingestion started",
		slog.Int("max_poll_records", s.Cfg.MaxPollRecords),
		slog.Duration("max_poll_interval", s.Cfg.MaxPollInterval),
	)

	for st.reason == "" {
		// Cancellation is only observed between batches.
		if ctx.Err() != nil {
			st.reason = StopCanceled

			break
		}

		lines, err := s.src.Fetch(ctx, s.Cfg.MaxPollRecords, s.Cfg.MaxPollInterval)

		switch {
		case err == nil:
		case errors.Is(err, source.ErrExhausted):
			st.reason = StopExhausted
		case ctx.Err() != nil:
			st.reason = StopCanceled
		default:
			s.IncrMetric(ctx, MetricFetchFailed, 1)
			s.Logger.ErrorContext(ctx, "fetch failed", slog.String("err", err.Error()))
			s.sleep(ctx, s.fetchBackoff)

			continue
		}

		// A batch already in hand is finished even if we are stopping.
		if len(lines) > 0 {
			s.handleBatch(ctx, lines, &st)
		}

		if s.Cfg.ProgressEvery > 0 && st.records >= nextProgress {
			s.Logger.InfoContext(ctx, "progress", slog.Int64("records", st.records))

			for nextProgress <= st.records {
				nextProgress += int64(s.Cfg.ProgressEvery)
			}
		}

		// The limit itself does not stop the run; the batch that passes it does.
		if st.reason == "" && s.Cfg.RunBenchmark && st.records > int64(s.Cfg.BenchmarkLimit) {
			st.reason = StopBenchmark
		}
	}

	summary := s.shutdown(ctx, start, st)

	span.SetAttributes(
		attribute.Int64("records", summary.Records),
		attribute.Int64("batches", summary.Batches),
		attribute.String("stop_reason", summary.Reason),
	)

	return summary, nil
}

type runState struct {
	records        int64
	batches        int64
	invalidBatches int64
	reason         string
}

func (s *Service) handleBatch(ctx context.Context, lines [][]byte, st *runState) {
	ctx, span := s.Tracer.Start(ctx, "orchestrator.Batch")
	defer span.End()

	res := s.Aggregator.ProcessBatch(ctx, lines)

	if err := s.src.Commit(ctx); err != nil {
		s.IncrMetric(ctx, MetricCommitFailed, 1)
		s.Logger.ErrorContext(ctx, "commit failed", slog.String("err", err.Error()), slog.Int("batch_size", len(lines)))
	}

	st.batches++
	st.records += int64(len(lines))

	if res.Watermark.IsInvalid() {
		st.invalidBatches++
		s.IncrMetric(ctx, MetricBatchesInvalid, 1)
	}

	evicted := s.Aggregator.EmitEligible(ctx, res.Watermark)

	s.IncrMetric(ctx, MetricRecordsReceived, int64(len(lines)))
	s.IncrMetric(ctx, MetricRecordsRejected, int64(res.Rejected))
	s.recordGauges(ctx)

	span.SetAttributes(
		attribute.Int("batch.size", len(lines)),
		attribute.Int("batch.rejected", res.Rejected),
		attribute.String("batch.watermark", res.Watermark.String()),
		attribute.Int("batch.emitted", len(evicted)),
	)
}

// shutdown runs the terminal flush and report once.
func (s *Service) shutdown(ctx context.Context, start time.Time, st runState) Summary {
	var summary Summary

	s.shutdownOnce.Do(func() {
		// Sinks must still accept the final flush after cancellation.
		flushCtx := context.WithoutCancel(ctx)

		flushed := s.Aggregator.EmitEligible(flushCtx, window.FlushAll())
		s.recordGauges(flushCtx)

		summary = Summary{
			Records:        st.records,
			Batches:        st.batches,
			InvalidBatches: st.invalidBatches,
			Emitted:        s.emitted,
			Flushed:        len(flushed),
			Unflushed:      s.Aggregator.Store().Len(),
			ParseErrors:    s.Aggregator.ParseErrors(),
			ParseTime:      s.Aggregator.ParseTime(),
			ProcessTime:    s.Aggregator.ProcessTime(),
			Elapsed:        s.nowFn().Sub(start),
			Reason:         st.reason,
		}

		s.Logger.InfoContext(flushCtx, "ingestion stopped", summary.LogAttrs()...)

		if err := s.Aggregator.Errors(); err != nil {
			s.Logger.WarnContext(flushCtx, "records rejected",
				slog.Uint64("total", summary.ParseErrors),
				slog.String("recent", err.Error()),
			)
		}
	})

	return summary
}

func (s *Service) recordGauges(ctx context.Context) {
	s.PendingBuckets.Record(ctx, int64(s.Aggregator.Store().Len()))
	s.AvgParseTime.Record(ctx, s.Aggregator.ParseTime().Mean)
	s.AvgProcessTime.Record(ctx, s.Aggregator.ProcessTime().Mean)
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Close releases the source and, if it has one, the sink.
func (s *Service) Close(ctx context.Context) error {
	ctx, span := s.Tracer.Start(ctx, "orchestrator.Close")
	defer span.End()

	s.Logger.DebugContext(ctx, "orchestrator.Close: begin")

	err := s.src.Close()

	if c, ok := s.outSink.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}

	s.Logger.DebugContext(ctx, "orchestrator.Close: end")

	return err
}

// MetricType enumerates orchestrator metric counters.
type MetricType int

const (
	MetricRecordsReceived MetricType = iota
	MetricRecordsRejected
	MetricBatchesInvalid
	MetricEmissions
	MetricPublishFailed
	MetricCommitFailed
	MetricFetchFailed
)

// IncrMetric increments the selected metric by n (if n > 0).
func (s *Service) IncrMetric(ctx context.Context, mt MetricType, n int64) {
	if n <= 0 {
		return
	}

	switch mt {
	case MetricRecordsReceived:
		s.RecordsReceived.Add(ctx, n)
	case MetricRecordsRejected:
		s.RecordsRejected.Add(ctx, n)
	case MetricBatchesInvalid:
		s.BatchesInvalid.Add(ctx, n)
	case MetricEmissions:
		s.Emissions.Add(ctx, n)
	case MetricPublishFailed:
		s.PublishFailed.Add(ctx, n)
	case MetricCommitFailed:
		s.CommitFailed.Add(ctx, n)
	case MetricFetchFailed:
		s.FetchFailed.Add(ctx, n)
	}
}

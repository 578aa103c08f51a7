package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"dash0.com/minute-user-counter/internal/record"
	"dash0.com/minute-user-counter/internal/sink"
	"dash0.com/minute-user-counter/internal/stats"
	"dash0.com/minute-user-counter/internal/window"
)

// EvictPolicy decides what happens to a bucket whose publish failed.
type EvictPolicy int

const (
	// EvictAlways drops an emitted bucket even if the sink rejected it.
	EvictAlways EvictPolicy = iota
	// EvictOnSuccess keeps a rejected bucket pending so a later round retries it.
	EvictOnSuccess
)

const defaultMaxRetainedErrors = 1000

// BatchResult summarizes one call to ProcessBatch.
type BatchResult struct {
	Watermark window.Watermark
	Accepted  int
	Rejected  int
	// Latest is the maximum accepted timestamp, or -1 if nothing was accepted.
	Latest float64
}

// Aggregator counts distinct users per minute and emits closed minutes to a sink.
// All methods must be called from a single goroutine.
type Aggregator struct {
	store  *window.Store
	sink   sink.Sink
	logger *slog.Logger
	policy EvictPolicy

	nowFn func() time.Time

	parseTime   stats.RunningAverage
	processTime stats.RunningAverage

	// Most recent parse errors, oldest first once the ring wraps.
	errs        []error
	errNext     int
	maxErrs     int
	parseErrors uint64

	// Optional metric callbacks provided by the owner (e.g., orchestrator).
	incrEmitted       func(int64)
	incrPublishFailed func(int64)
}

type Option func(*Aggregator)

// WithEvictPolicy overrides the default EvictAlways policy.
func WithEvictPolicy(p EvictPolicy) Option {
	return func(a *Aggregator) { a.policy = p }
}

// WithMaxRetainedErrors bounds how many parse errors Errors reports. Zero keeps none.
func WithMaxRetainedErrors(n int) Option {
	return func(a *Aggregator) {
		if n < 0 {
			n = 0
		}

		a.maxErrs = n
	}
}

// WithClock replaces time.Now for timing measurements.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.nowFn = now }
}

func New(s sink.Sink, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:   window.NewStore(),
		sink:    s,
		logger:  logger,
		policy:  EvictAlways,
		nowFn:   time.Now,
		maxErrs: defaultMaxRetainedErrors,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// SetMetricsCallbacks installs optional callbacks for metrics updates.
// If not provided, metrics are not recorded by the aggregator.
func (a *Aggregator) SetMetricsCallbacks(incrEmitted, incrPublishFailed func(int64)) {
	a.incrEmitted = incrEmitted
	a.incrPublishFailed = incrPublishFailed
}

// ProcessBatch parses lines, merges their users into the store and returns the
// watermark the batch supports. A malformed line is recorded and skipped.
func (a *Aggregator) ProcessBatch(ctx context.Context, lines [][]byte) BatchResult {
	partial := make(window.Partial, 4)
	res := BatchResult{Latest: -1}

	for _, line := range lines {
		start := a.nowFn()

		rec, err := record.Parse(line)
		if err != nil {
			res.Rejected++
			a.recordError(err)

			continue
		}

		parsed := a.nowFn()

		res.Accepted++
		res.Latest = max(res.Latest, rec.Timestamp)
		partial.Add(window.BucketOf(rec.Timestamp), rec.UserID)

		done := a.nowFn()
		a.parseTime = a.parseTime.UpdateDuration(parsed.Sub(start))
		a.processTime = a.processTime.UpdateDuration(done.Sub(start))
	}

	a.store.Merge(partial)

	res.Watermark = a.validate(res)

	a.logger.DebugContext(ctx, "processed batch",
		slog.Int("accepted", res.Accepted),
		slog.Int("rejected", res.Rejected),
		slog.Float64("latest", res.Latest),
		slog.String("watermark", res.Watermark.String()),
		slog.Int("pending_buckets", a.store.Len()),
	)

	return res
}

// validate distrusts a batch whose newest record landed in a single-user bucket:
// that is more likely a corrupted timestamp than a quiet minute.
func (a *Aggregator) validate(res BatchResult) window.Watermark {
	if res.Accepted == 0 || res.Latest < 0 {
		return window.Invalid()
	}

	if a.store.Count(window.BucketOf(res.Latest)) == 1 {
		return window.Invalid()
	}

	return window.At(res.Latest)
}

// EmitEligible publishes every bucket the watermark allows and evicts it.
// It returns the evicted keys in ascending order.
func (a *Aggregator) EmitEligible(ctx context.Context, wm window.Watermark) []window.BucketKey {
	if wm.IsInvalid() {
		return nil
	}

	var evicted []window.BucketKey

	for _, key := range a.store.Keys() {
		users, _ := a.store.Users(key)
		if !eligible(key, len(users), wm) {
			continue
		}

		e := sink.Emission{Minute: int64(key), Users: len(users)}
		if err := a.sink.Publish(ctx, e); err != nil {
			a.logger.ErrorContext(ctx,
				"failed to publish emission",
				slog.String("err", err.Error()),
				slog.Int64("minute", e.Minute),
				slog.Int("users", e.Users),
				slog.String("watermark", wm.String()),
				slog.String("sink", fmt.Sprintf("%T", a.sink)),
			)

			if a.incrPublishFailed != nil {
				a.incrPublishFailed(1)
			}

			if a.policy == EvictOnSuccess {
				continue
			}
		} else if a.incrEmitted != nil {
			a.incrEmitted(1)
		}

		evicted = append(evicted, key)
	}

	a.store.Evict(evicted...)

	return evicted
}

// eligible re-applies the singleton rule per bucket, so a suspect bucket is
// only ever released by a flush-all.
func eligible(key window.BucketKey, users int, wm window.Watermark) bool {
	if wm.IsFlushAll() {
		return true
	}

	ts, ok := wm.Value()
	if !ok {
		return false
	}

	return key.ClosedBy(ts) && users != 1
}

func (a *Aggregator) recordError(err error) {
	a.parseErrors++

	if a.maxErrs == 0 {
		return
	}

	if len(a.errs) < a.maxErrs {
		a.errs = append(a.errs, err)

		return
	}

	a.errs[a.errNext] = err
	a.errNext = (a.errNext + 1) % a.maxErrs
}

// Errors combines the retained parse errors, oldest first. It is nil if none were seen.
func (a *Aggregator) Errors() error {
	ordered := make([]error, 0, len(a.errs))
	ordered = append(ordered, a.errs[a.errNext:]...)
	ordered = append(ordered, a.errs[:a.errNext]...)

	return multierr.Combine(ordered...)
}

// ParseErrors returns the total number of rejected lines.
func (a *Aggregator) ParseErrors() uint64 { return a.parseErrors }

// ParseTime is the running average time to decode one record.
func (a *Aggregator) ParseTime() stats.RunningAverage { return a.parseTime }

// ProcessTime is the running average time to decode and aggregate one record.
func (a *Aggregator) ProcessTime() stats.RunningAverage { return a.processTime }

// Store exposes the pending buckets for inspection.
func (a *Aggregator) Store() *window.Store { return a.store }

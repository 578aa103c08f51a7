package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"dash0.com/minute-user-counter/internal/stats"
)

// Summary describes a finished run.
type Summary struct {
	Records        int64
	Batches        int64
	InvalidBatches int64
	// Emitted counts successful publishes, including the terminal flush.
	Emitted int64
	// Flushed is the number of buckets released by the terminal flush.
	Flushed int
	// Unflushed buckets were still pending after the flush (publish failed under EvictOnSuccess).
	Unflushed   int
	ParseErrors uint64
	ParseTime   stats.RunningAverage
	ProcessTime stats.RunningAverage
	Elapsed     time.Duration
	Reason      string
}

// RecordsPerSecond is the overall throughput, or 0 for an instantaneous run.
func (s Summary) RecordsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}

	return float64(s.Records) / s.Elapsed.Seconds()
}

func (s Summary) LogAttrs() []any {
	return []any{
		slog.String("reason", s.Reason),
		slog.Int64("records", s.Records),
		slog.Int64("batches", s.Batches),
		slog.Int64("invalid_batches", s.InvalidBatches),
		slog.Int64("emitted", s.Emitted),
		slog.Int("flushed", s.Flushed),
		slog.Int("unflushed", s.Unflushed),
		slog.Uint64("parse_errors", s.ParseErrors),
		slog.Duration("avg_parse_time", s.ParseTime.Duration()),
		slog.Duration("avg_process_time", s.ProcessTime.Duration()),
		slog.Duration("elapsed", s.Elapsed),
		slog.Float64("records_per_second", s.RecordsPerSecond()),
	}
}

// WriteReport prints the human-readable benchmark summary.
func (s Summary) WriteReport(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"Summary of all benchmarks (stopped: %s):\n"+
			"The average read time of JSON: %.9fs over %d records\n"+
			"The average individual message processing time: %.9fs over %d records\n"+
			"Rejected %d malformed records; %d of %d batches had an untrusted watermark.\n"+
			"Emitted %d minutes (%d at shutdown, %d left unpublished).\n"+
			"A total of %d messages were read in %.3f seconds, with an average of %.1f messages per second.\n",
		s.Reason,
		s.ParseTime.Mean, s.ParseTime.Count,
		s.ProcessTime.Mean, s.ProcessTime.Count,
		s.ParseErrors, s.InvalidBatches, s.Batches,
		s.Emitted, s.Flushed, s.Unflushed,
		s.Records, s.Elapsed.Seconds(), s.RecordsPerSecond(),
	)

	return err
}

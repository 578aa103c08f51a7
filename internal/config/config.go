package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Output formats for the local sinks.
const (
	OutputConsole = "console"
	OutputJSON    = "json"
)

// Config holds instance-level configuration for the service.
type Config struct {
	InputFile      string
	OutputToStdout bool
	OutputFormat   string

	Brokers         []string
	InputTopic      string
	OutputTopic     string
	ConsumerGroup   string
	MaxPollRecords  int
	MaxPollInterval time.Duration

	RunBenchmark   bool
	BenchmarkLimit int
	ProgressEvery  int

	EvictOnSinkError  bool
	MaxRetainedErrors int

	LogLevel        string
	GracefulTimeout time.Duration
}

// RegisterFlags registers CLI flags and returns a reader that captures them after flag.Parse().
func RegisterFlags() func() Config {
	inputFile := flag.String("inputFile", "", "Read newline-delimited records from this file instead of Kafka")
	toStdout := flag.Bool("outputToStdout", false, "Write results to stdout instead of the output topic")
	outFmt := flag.String("outputFormat", OutputConsole, "Stdout format: console|json")

	brokers := flag.String("brokers", "localhost:9092", "Comma-separated Kafka bootstrap brokers")
	inTopic := flag.String("inputTopic", "stream-topic", "Topic to read records from")
	outTopic := flag.String("outputTopic", "output-topic", "Topic to write per-minute counts to")
	group := flag.String("consumerGroup", "default-cg", "Kafka consumer group id")
	maxPoll := flag.Int("maxPollRecords", 500, "Max records fetched per batch")
	pollWait := flag.Duration("maxPollInterval", 300*time.Second, "Max time to wait for a batch to fill")

	bench := flag.Bool("runBenchmark", false, "Stop once more than benchmarkLimit records were consumed and report throughput")
	benchLimit := flag.Int("benchmarkLimit", 200_000, "Records to consume in benchmark mode")
	progress := flag.Int("progressEvery", 25_000, "Log progress every N records (0 disables)")

	evictOnErr := flag.Bool("evictOnSinkError", true, "Drop a minute even if publishing it failed")
	maxErrs := flag.Int("maxRetainedErrors", 1000, "Parse errors kept for the final report")

	logLevel := flag.String("logLevel", "info", "Log level: debug|info|warn|error")
	graceful := flag.Duration("gracefulTimeout", 10*time.Second, "Graceful shutdown timeout")

	return func() Config {
		return Config{
			InputFile:         *inputFile,
			OutputToStdout:    *toStdout,
			OutputFormat:      *outFmt,
			Brokers:           splitList(*brokers),
			InputTopic:        *inTopic,
			OutputTopic:       *outTopic,
			ConsumerGroup:     *group,
			MaxPollRecords:    *maxPoll,
			MaxPollInterval:   *pollWait,
			RunBenchmark:      *bench,
			BenchmarkLimit:    *benchLimit,
			ProgressEvery:     *progress,
			EvictOnSinkError:  *evictOnErr,
			MaxRetainedErrors: *maxErrs,
			LogLevel:          *logLevel,
			GracefulTimeout:   *graceful,
		}
	}
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.MaxPollRecords <= 0 {
		errs = append(errs, fmt.Errorf("maxPollRecords must be positive, got %d", c.MaxPollRecords))
	}

	if c.MaxPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("maxPollInterval must be positive, got %s", c.MaxPollInterval))
	}

	if c.OutputFormat != OutputConsole && c.OutputFormat != OutputJSON {
		errs = append(errs, fmt.Errorf("unknown outputFormat %q", c.OutputFormat))
	}

	if c.UsesKafka() && len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers required when reading from or writing to Kafka"))
	}

	if c.InputFile == "" && (c.InputTopic == "" || c.ConsumerGroup == "") {
		errs = append(errs, errors.New("inputTopic and consumerGroup required without inputFile"))
	}

	if !c.OutputToStdout && c.OutputTopic == "" {
		errs = append(errs, errors.New("outputTopic required without outputToStdout"))
	}

	if c.RunBenchmark && c.BenchmarkLimit <= 0 {
		errs = append(errs, fmt.Errorf("benchmarkLimit must be positive, got %d", c.BenchmarkLimit))
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// UsesKafka reports whether either side of the pipeline talks to a broker.
func (c Config) UsesKafka() bool {
	return c.InputFile == "" || !c.OutputToStdout
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}

	return lvl, nil
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	return out
}

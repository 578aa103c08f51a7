package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	cfgpkg "dash0.com/minute-user-counter/internal/config"
	"dash0.com/minute-user-counter/internal/orchestrator"
	otelsetup "dash0.com/minute-user-counter/internal/otel"
	"dash0.com/minute-user-counter/internal/sink"
	"dash0.com/minute-user-counter/internal/source"
)

const name = "dash0.com/minute-user-counter"

func main() {
	// Derive a context canceled on SIGINT/SIGTERM; the loop flushes pending minutes before returning.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatalln(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	// Config
	readFlags := cfgpkg.RegisterFlags()
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}

	cfg := readFlags()
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()

	// Set up OpenTelemetry. Telemetry goes to stderr so stdout only carries results.
	otelShutdown, err := otelsetup.Setup(context.Background(), stderr)
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, otelShutdown(context.Background())) }()

	// Instance logger bridged to OTel.
	logger := slog.New(levelHandler{level: level, Handler: otelslog.NewHandler(name)})
	slog.SetDefault(logger)
	sarama.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	logger.Info("Starting application", slog.String("input_file", cfg.InputFile), slog.Bool("output_to_stdout", cfg.OutputToStdout))

	src, err := openSource(cfg, logger)
	if err != nil {
		return err
	}

	out, err := openSink(cfg, stdout, logger)
	if err != nil {
		return errors.Join(err, src.Close())
	}

	svc, err := orchestrator.New(cfg, logger, orchestrator.WithSource(src), orchestrator.WithSink(out))
	if err != nil {
		return errors.Join(err, release(src, out))
	}

	summary, runErr := svc.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := errors.Join(runErr, svc.Close(closeCtx)); err != nil {
		return err
	}

	return summary.WriteReport(stderr)
}

func openSource(cfg cfgpkg.Config, logger *slog.Logger) (source.Source, error) {
	if cfg.InputFile != "" {
		src, err := source.OpenFile(cfg.InputFile)
		if err != nil {
			return nil, err
		}

		return src, nil
	}

	src, err := source.DialKafka(source.KafkaConfig{
		Brokers:       cfg.Brokers,
		Topic:         cfg.InputTopic,
		ConsumerGroup: cfg.ConsumerGroup,
		BufferSize:    cfg.MaxPollRecords,
	}, logger)
	if err != nil {
		return nil, err
	}

	return src, nil
}

func openSink(cfg cfgpkg.Config, stdout io.Writer, logger *slog.Logger) (sink.Sink, error) {
	if !cfg.OutputToStdout {
		out, err := sink.DialKafkaSink(cfg.Brokers, cfg.OutputTopic, logger)
		if err != nil {
			return nil, err
		}

		return out, nil
	}

	if cfg.OutputFormat == cfgpkg.OutputJSON {
		return sink.NewJSONSink(stdout), nil
	}

	return sink.NewConsoleSink(stdout), nil
}

// release closes src and, if it holds a connection, out. It is only needed
// before the service takes ownership of both.
func release(src source.Source, out sink.Sink) error {
	err := src.Close()

	if c, ok := out.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}

	return err
}

// levelHandler drops records below level before they reach the wrapped handler.
type levelHandler struct {
	level slog.Leveler
	slog.Handler
}

func (h levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.Handler.Enabled(ctx, l)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{level: h.level, Handler: h.Handler.WithAttrs(attrs)}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{level: h.level, Handler: h.Handler.WithGroup(name)}
}

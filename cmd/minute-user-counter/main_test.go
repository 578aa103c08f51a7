package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"dash0.com/minute-user-counter/internal/sink"
	sinkmocks "dash0.com/minute-user-counter/internal/sink/mocks"
	"dash0.com/minute-user-counter/internal/source/mocks"
)

func resetFlags(t *testing.T) {
	t.Helper()

	orig := flag.CommandLine
	flag.CommandLine = flag.NewFlagSet("test", flag.ContinueOnError)
	t.Cleanup(func() { flag.CommandLine = orig })
}

func writeInput(t *testing.T) string {
	t.Helper()

	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "{\"ts\":%d,\"uid\":\"u%d\"}\n", 1468244340+i, i)
	}

	b.WriteString("{\"ts\":1468244999,\"uid\":\"late\"}\n")
	b.WriteString("not json\n")

	path := filepath.Join(t.TempDir(), "stream.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	return path
}

func TestRun_FileToConsole(t *testing.T) {
	resetFlags(t)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	err := run(context.Background(), []string{"-inputFile", writeInput(t), "-outputToStdout"}, stdout, stderr)
	require.NoError(t, err)

	require.Equal(t,
		"The number of users for minute 24470739 is 5.\n"+
			"The number of users for minute 24470749 is 1.\n",
		stdout.String())
	require.Contains(t, stderr.String(), "A total of 7 messages were read")
	require.Contains(t, stderr.String(), "Rejected 1 malformed records")
}

func TestRun_FileToJSON(t *testing.T) {
	resetFlags(t)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	err := run(context.Background(), []string{"-inputFile", writeInput(t), "-outputToStdout", "-outputFormat", "json"}, stdout, stderr)
	require.NoError(t, err)

	require.Equal(t, "{\"ts\":24470739,\"n_users\":5}\n{\"ts\":24470749,\"n_users\":1}\n", stdout.String())
}

func TestRun_InvalidConfig(t *testing.T) {
	resetFlags(t)

	err := run(context.Background(), []string{"-maxPollRecords", "0"}, new(bytes.Buffer), new(bytes.Buffer))
	require.ErrorContains(t, err, "maxPollRecords")
}

func TestRun_MissingInputFile(t *testing.T) {
	resetFlags(t)

	err := run(context.Background(), []string{"-inputFile", filepath.Join(t.TempDir(), "missing.jsonl"), "-outputToStdout"}, new(bytes.Buffer), new(bytes.Buffer))
	require.ErrorContains(t, err, "open input file")
}

func TestLevelHandler_FiltersBelowLevel(t *testing.T) {
	buf := new(bytes.Buffer)
	h := levelHandler{level: slog.LevelWarn, Handler: slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})}
	logger := slog.New(h).With("k", "v").WithGroup("g")

	logger.Info("hidden")
	logger.Warn("shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "k=v")
}

type closingSink struct {
	sink.Sink
	closed int
	err    error
}

func (c *closingSink) Close() error {
	c.closed++
	return c.err
}

func TestRelease_ClosesSourceAndSink(t *testing.T) {
	ctrl := gomock.NewController(t)

	src := mocks.NewMockSource(ctrl)
	src.EXPECT().Close().Return(errors.New("source close failed"))

	out := &closingSink{Sink: sinkmocks.NewMockSink(ctrl), err: errors.New("producer close failed")}

	err := release(src, out)
	require.ErrorContains(t, err, "source close failed")
	require.ErrorContains(t, err, "producer close failed")
	require.Equal(t, 1, out.closed)
}

func TestRelease_SinkWithoutClose(t *testing.T) {
	ctrl := gomock.NewController(t)

	src := mocks.NewMockSource(ctrl)
	src.EXPECT().Close().Return(nil)

	require.NoError(t, release(src, sinkmocks.NewMockSink(ctrl)))
}

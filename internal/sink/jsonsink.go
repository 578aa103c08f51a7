package sink

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// JSONSink writes emissions as single-line JSON to an io.Writer.
type JSONSink struct {
	w io.Writer
}

// NewJSONSink creates a JSON sink writing to the provided writer.
func NewJSONSink(w io.Writer) *JSONSink { return &JSONSink{w: w} }

// NewStdoutJSON returns a JSON sink that writes to os.Stdout.
func NewStdoutJSON() *JSONSink { return &JSONSink{w: os.Stdout} }

// Publish marshals the emission as JSON and writes it with a trailing newline.
func (s *JSONSink) Publish(_ context.Context, e Emission) error {
	return json.NewEncoder(s.w).Encode(e)
}

// ConsoleSink writes one human-readable line per emission.
type ConsoleSink struct {
	w io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink { return &ConsoleSink{w: w} }

// NewStdoutConsole returns a console sink that writes to os.Stdout.
func NewStdoutConsole() *ConsoleSink { return &ConsoleSink{w: os.Stdout} }

func (s *ConsoleSink) Publish(_ context.Context, e Emission) error {
	_, err := fmt.Fprintf(s.w, "The number of users for minute %d is %d.\n", e.Minute, e.Users)

	return err
}

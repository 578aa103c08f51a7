package record

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"dash0.com/minute-user-counter/internal/window"
)

// maxLineInError bounds how much of a rejected line is kept on a ParseError.
const maxLineInError = 256

var (
	ErrEmptyLine        = errors.New("empty line")
	ErrMissingTimestamp = errors.New("missing required field \"ts\"")
	ErrMissingUserID    = errors.New("missing required field \"uid\"")
)

// ErrTimestampOutOfRange is returned for a timestamp whose minute cannot be indexed.
var ErrTimestampOutOfRange = errors.New("timestamp out of range")

// Record is a single decoded event.
type Record struct {
	Timestamp float64
	UserID    string
}

// wire mirrors the encoded layout. Pointers let us tell a missing field from a zero value.
type wire struct {
	TS  *float64 `json:"ts"`
	UID *string  `json:"uid"`
}

// ParseError is returned for any line that does not decode into a Record.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse record %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes one raw line. Unknown fields are ignored.
func Parse(line []byte) (Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Record{}, newParseError(line, ErrEmptyLine)
	}

	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Record{}, newParseError(line, err)
	}

	if w.TS == nil {
		return Record{}, newParseError(line, ErrMissingTimestamp)
	}

	if !window.Representable(*w.TS) {
		return Record{}, newParseError(line, ErrTimestampOutOfRange)
	}

	if w.UID == nil {
		return Record{}, newParseError(line, ErrMissingUserID)
	}

	return Record{Timestamp: *w.TS, UserID: *w.UID}, nil
}

func newParseError(line []byte, err error) *ParseError {
	kept := line
	if len(kept) > maxLineInError {
		kept = kept[:maxLineInError]
	}

	return &ParseError{Line: bytes.Clone(kept), Err: err}
}

package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// FileSource reads newline-delimited records from a reader. Commit is a no-op.
type FileSource struct {
	r      *bufio.Reader
	closer io.Closer
	eof    bool
}

// NewFileSource reads records from r. If r is an io.Closer, Close closes it.
func NewFileSource(r io.Reader) *FileSource {
	s := &FileSource{r: bufio.NewReaderSize(r, 64*1024)}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}

	return s
}

// OpenFile opens path as a FileSource.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}

	return NewFileSource(f), nil
}

// Fetch returns up to max lines. The wait duration is ignored: reads never block on a file.
func (s *FileSource) Fetch(ctx context.Context, max int, _ time.Duration) ([][]byte, error) {
	if s.eof {
		return nil, ErrExhausted
	}

	if max <= 0 {
		max = 1
	}

	batch := make([][]byte, 0, max)

	for len(batch) < max {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				batch = append(batch, line)
			}
		}

		if errors.Is(err, io.EOF) {
			s.eof = true

			break
		}

		if err != nil {
			return batch, fmt.Errorf("read input: %w", err)
		}
	}

	if len(batch) == 0 && s.eof {
		return nil, ErrExhausted
	}

	return batch, nil
}

func (s *FileSource) Commit(context.Context) error { return nil }

func (s *FileSource) Close() error {
	if s.closer == nil {
		return nil
	}

	return s.closer.Close()
}

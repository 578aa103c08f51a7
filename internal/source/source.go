package source

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -source=source.go -destination=./mocks/mock_source.go -package=mocks

// ErrExhausted is returned by Fetch once a bounded source has no more records.
var ErrExhausted = errors.New("source exhausted")

// Source yields ordered batches of raw records.
type Source interface {
	// Fetch blocks for at most wait and returns up to max raw records. An empty
	// batch with a nil error means nothing arrived in time.
	Fetch(ctx context.Context, max int, wait time.Duration) ([][]byte, error)
	// Commit acknowledges every record returned by Fetch so far.
	Commit(ctx context.Context) error
	Close() error
}

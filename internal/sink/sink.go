package sink

import "context"

//go:generate mockgen -source=sink.go -destination=./mocks/mock_sink.go -package=mocks

// Emission is the finalized distinct-user count for one minute bucket.
type Emission struct {
	Minute int64 `json:"ts"`
	Users  int   `json:"n_users"`
}

// Sink publishes finalized buckets.
type Sink interface {
	Publish(ctx context.Context, e Emission) error
}

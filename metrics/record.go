package metrics

import (
	"context"
	"time"
)

// MetricRecord is the per-execution history entry
type MetricRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Runtime   string    `json:"runtime"`
	Success   bool      `json:"success"`
	Duration  float64   `json:"duration"`
	Warm      bool      `json:"warm"`
}

// Sink appends records. Implementations must be safe for concurrent use and
// must never rewrite or drop previously appended records.
type Sink interface {
	Record(ctx context.Context, rec MetricRecord) error
	Close() error
}

// Reader returns stored history in append order
type Reader interface {
	Records(ctx context.Context) ([]MetricRecord, error)
}

// Store is a Sink whose history can be read back
type Store interface {
	Sink
	Reader
}

var _ Store = NopStore{}

// NopStore discards everything
type NopStore struct{}

func (NopStore) Record(context.Context, MetricRecord) error { return nil }

func (NopStore) Records(context.Context) ([]MetricRecord, error) { return nil, nil }

func (NopStore) Close() error { return nil }

// Package logging persists request log records off the request path.
package logging

import (
	"context"

	"ollama_logger/internal/models"
)

// Store persists request log records.
type Store interface {
	Insert(ctx context.Context, rec *models.RequestLog) error
	InsertBatch(ctx context.Context, recs []*models.RequestLog) error
	Close() error
}

// Sink receives log records from the proxy. Neither method reports
// failures; a lost record never affects client traffic.
type Sink interface {
	// Record writes rec before returning, bounded by the sink's write timeout.
	Record(ctx context.Context, rec *models.RequestLog)

	// Enqueue hands rec to background writers without blocking. It returns
	// false when the record was dropped.
	Enqueue(rec *models.RequestLog) bool

	// Shutdown drains queued records and releases the stores.
	Shutdown(ctx context.Context) error
}

// NoopSink discards all records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Record(ctx context.Context, rec *models.RequestLog) {}

func (s *NoopSink) Enqueue(rec *models.RequestLog) bool { return true }

func (s *NoopSink) Shutdown(ctx context.Context) error { return nil }

package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ollama_logger/internal/metrics"
	"ollama_logger/internal/models"
	"ollama_logger/internal/queue"
	"ollama_logger/internal/utils"
)

// QueueSinkConfig configures a QueueSink
type QueueSinkConfig struct {
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration

	// EnqueueTimeout bounds the handoff to a remote queue on the request path
	EnqueueTimeout time.Duration
}

// DefaultQueueSinkConfig returns default sink settings
func DefaultQueueSinkConfig() QueueSinkConfig {
	return QueueSinkConfig{
		Workers:        2,
		BatchSize:      50,
		BatchTimeout:   1 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		EnqueueTimeout: 100 * time.Millisecond,
	}
}

// QueueSink writes awaited records straight to the store and queues the
// rest for a pool of batch writers.
type QueueSink struct {
	queue   queue.Queue
	store   Store
	config  QueueSinkConfig
	metrics metrics.Metrics
	logger  *utils.Logger

	group    *errgroup.Group
	cancel   context.CancelFunc
	draining atomic.Bool
	dropped  atomic.Uint64
	once     sync.Once
}

// NewQueueSink creates a sink. Call Start before enqueuing records.
func NewQueueSink(q queue.Queue, store Store, config QueueSinkConfig, m metrics.Metrics) *QueueSink {
	defaults := DefaultQueueSinkConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = defaults.EnqueueTimeout
	}
	if m == nil {
		m = metrics.NewNoopMetrics()
	}

	return &QueueSink{
		queue:   q,
		store:   store,
		config:  config,
		metrics: m,
		logger:  utils.NewLogger("log-sink"),
	}
}

// Start launches the batch writers
func (s *QueueSink) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	for i := 0; i < s.config.Workers; i++ {
		worker := i
		s.group.Go(func() error {
			return s.run(runCtx, worker)
		})
	}
	s.logger.Info("Log sink started", "workers", s.config.Workers, "batch_size", s.config.BatchSize)
}

// Record writes rec synchronously with a single attempt
func (s *QueueSink) Record(ctx context.Context, rec *models.RequestLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
	defer cancel()

	if err := s.store.Insert(ctx, rec); err != nil {
		s.metrics.LogRecords(metrics.LogFailed, 1)
		s.logger.Error("Failed to write request log", "request_id", rec.RequestID, "error", err)
		return
	}
	s.metrics.LogRecords(metrics.LogWritten, 1)
}

// Enqueue queues rec for the batch writers, dropping it when the queue is
// full or the sink is shutting down
func (s *QueueSink) Enqueue(rec *models.RequestLog) bool {
	if s.draining.Load() {
		s.drop(rec, queue.ErrQueueClosed)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.EnqueueTimeout)
	defer cancel()

	if err := s.queue.Enqueue(ctx, rec); err != nil {
		s.drop(rec, err)
		return false
	}
	return true
}

func (s *QueueSink) drop(rec *models.RequestLog, err error) {
	n := s.dropped.Add(1)
	s.metrics.LogRecords(metrics.LogDropped, 1)
	s.logger.Warn("Dropped request log", "request_id", rec.RequestID, "dropped_total", n, "error", err)
}

// Dropped returns how many records were rejected by Enqueue
func (s *QueueSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Shutdown stops accepting records, waits for the writers to empty the
// queue, then closes the queue and the store. If ctx expires first the
// writers are cancelled and the remaining records are lost.
func (s *QueueSink) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.draining.Store(true)

		if s.group != nil {
			done := make(chan error, 1)
			go func() { done <- s.group.Wait() }()

			select {
			case err = <-done:
			case <-ctx.Done():
				s.cancel()
				<-done
				err = fmt.Errorf("log sink drain interrupted: %w", ctx.Err())
			}
			s.cancel()
		}

		if qErr := s.queue.Close(); qErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close log queue: %w", qErr))
		}
		if sErr := s.store.Close(); sErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close log store: %w", sErr))
		}
		s.logger.Info("Log sink stopped", "dropped", s.dropped.Load())
	})
	return err
}

// run is one batch writer loop
func (s *QueueSink) run(ctx context.Context, worker int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		items, err := s.queue.DequeueWithTimeout(ctx, s.config.BatchSize, s.config.BatchTimeout)
		if errors.Is(err, queue.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Failed to dequeue request logs", "worker", worker, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		if n, lenErr := s.queue.Length(ctx); lenErr == nil {
			s.metrics.SetLogQueueLength(n)
		}

		if len(items) == 0 {
			if s.draining.Load() {
				return nil
			}
			continue
		}

		s.processBatch(ctx, items)
	}
}

// processBatch writes a batch in one call and falls back to per-record
// inserts with retries when that fails
func (s *QueueSink) processBatch(ctx context.Context, items []interface{}) {
	records := make([]*models.RequestLog, 0, len(items))
	for _, item := range items {
		rec, err := unmarshalItem(item)
		if err != nil {
			s.metrics.LogRecords(metrics.LogFailed, 1)
			s.logger.Error("Failed to decode queued request log", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return
	}

	batchCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	err := s.store.InsertBatch(batchCtx, records)
	cancel()
	if err == nil {
		s.metrics.LogRecords(metrics.LogWritten, len(records))
		s.logger.Debug("Wrote request log batch", "count", len(records))
		return
	}

	s.logger.Warn("Failed to write batch, falling back to individual inserts", "count", len(records), "error", err)
	for _, rec := range records {
		if err := s.insertWithRetry(ctx, rec); err != nil {
			s.metrics.LogRecords(metrics.LogFailed, 1)
			s.logger.Error("Failed to write request log", "request_id", rec.RequestID, "error", err)
			continue
		}
		s.metrics.LogRecords(metrics.LogWritten, 1)
	}
}

// insertWithRetry retries recoverable failures with exponential backoff
func (s *QueueSink) insertWithRetry(ctx context.Context, rec *models.RequestLog) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			s.logger.Debug("Retrying request log", "attempt", attempt, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
		}

		insertCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		err := s.store.Insert(insertCtx, rec)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !utils.IsRecoverableError(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// unmarshalItem turns a queue item back into a request log
func unmarshalItem(item interface{}) (*models.RequestLog, error) {
	switch v := item.(type) {
	case *models.RequestLog:
		return v, nil
	case models.RequestLog:
		return &v, nil
	case []byte:
		return decodeRecord(v)
	case json.RawMessage:
		return decodeRecord(v)
	case string:
		return decodeRecord([]byte(v))
	default:
		return nil, fmt.Errorf("unexpected queue item type %T", item)
	}
}

func decodeRecord(data []byte) (*models.RequestLog, error) {
	var rec models.RequestLog
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request log: %w", err)
	}
	return &rec, nil
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

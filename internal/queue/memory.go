package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue struct {
	items  chan interface{}
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	config *Config
}

// NewMemoryQueue creates a new in-memory queue holding at most
// config.MaxLength items
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}
	capacity := config.MaxLength
	if capacity <= 0 {
		capacity = config.BatchSize * 10
	}
	if capacity <= 0 {
		capacity = 1
	}

	return &MemoryQueue{
		items:  make(chan interface{}, capacity),
		done:   make(chan struct{}),
		config: config,
	}
}

// Enqueue adds an item to the queue, failing with ErrQueueFull instead of
// waiting for room
func (q *MemoryQueue) Enqueue(ctx context.Context, item interface{}) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue retrieves items from the queue. After Close it keeps returning
// the remaining items until the queue is empty.
func (q *MemoryQueue) Dequeue(ctx context.Context, maxItems int) ([]interface{}, error) {
	var items []interface{}

	// Block until we get at least one item
	select {
	case item := <-q.items:
		items = append(items, item)
	case <-q.done:
		return q.drain(maxItems)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.fill(items, maxItems), nil
}

// DequeueWithTimeout retrieves items with a timeout
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error) {
	var items []interface{}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Try to get first item with timeout
	select {
	case item := <-q.items:
		items = append(items, item)
	case <-timer.C:
		return items, nil
	case <-q.done:
		return q.drain(maxItems)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.fill(items, maxItems), nil
}

// fill tops items up to maxItems without blocking
func (q *MemoryQueue) fill(items []interface{}, maxItems int) []interface{} {
	for len(items) < maxItems {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items
		}
	}
	return items
}

func (q *MemoryQueue) drain(maxItems int) ([]interface{}, error) {
	items := q.fill(nil, maxItems)
	if len(items) == 0 {
		return nil, ErrQueueClosed
	}
	return items, nil
}

// Length returns the current queue length
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	return len(q.items), nil
}

// Close stops accepting items. Items already queued can still be dequeued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.done)
	return nil
}

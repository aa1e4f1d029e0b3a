// Package queue buffers request log records between the request path and
// the store writers. Two backends are available:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//
// 2. Redis Queue (Redis List-based):
//    - Survives proxy restarts
//    - Can be drained by several proxy replicas
//
// Both are bounded: Enqueue never blocks and fails with ErrQueueFull once
// MaxLength items are waiting.
package queue

import (
	"context"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue without blocking
	Enqueue(ctx context.Context, item interface{}) error

	// Dequeue retrieves items from the queue (up to maxItems)
	// Blocks until at least one item is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]interface{}, error)

	// DequeueWithTimeout retrieves items with a timeout
	// Returns items if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// Config holds queue configuration
type Config struct {
	// MaxLength is the number of waiting items at which Enqueue starts failing
	MaxLength int

	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis indicates whether to use Redis or in-memory queue
	UseRedis bool

	// RedisAddr is the Redis server address (if UseRedis is true)
	RedisAddr string

	// RedisPassword is the Redis password (if UseRedis is true)
	RedisPassword string

	// RedisDB is the Redis database number (if UseRedis is true)
	RedisDB int

	// RedisPoolSize and RedisMinIdleConns size the Redis connection pool
	RedisPoolSize     int
	RedisMinIdleConns int

	// RedisDialTimeout, RedisReadTimeout and RedisWriteTimeout bound Redis calls
	RedisDialTimeout  time.Duration
	RedisReadTimeout  time.Duration
	RedisWriteTimeout time.Duration

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		MaxLength:    10000,
		BatchSize:    50,
		BatchTimeout: 1 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// New creates the backend selected by config.
func New(config *Config) (Queue, error) {
	if config != nil && config.UseRedis {
		return NewRedisQueue(config)
	}
	return NewMemoryQueue(config), nil
}

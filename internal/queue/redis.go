package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// boundedPush appends ARGV[1] unless the list already holds ARGV[2] items.
var boundedPush = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if tonumber(ARGV[2]) > 0 and n >= tonumber(ARGV[2]) then
	return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

// RedisQueue implements Queue using Redis lists. Items are stored as JSON
// and come back out as json.RawMessage.
type RedisQueue struct {
	client *redis.Client
	config *Config
	qKey   string
	closed atomic.Bool
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(config *Config) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.RedisAddr,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		PoolSize:     config.RedisPoolSize,
		MinIdleConns: config.RedisMinIdleConns,
		DialTimeout:  config.RedisDialTimeout,
		ReadTimeout:  config.RedisReadTimeout,
		WriteTimeout: config.RedisWriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// Enqueue adds an item to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, item interface{}) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	n, err := boundedPush.Run(ctx, q.client, []string{q.qKey}, data, q.config.MaxLength).Int64()
	if err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	if n < 0 {
		return ErrQueueFull
	}

	return nil
}

// Dequeue retrieves items from the queue
func (q *RedisQueue) Dequeue(ctx context.Context, maxItems int) ([]interface{}, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	// Block until at least one item is available
	result, err := q.client.BLPop(ctx, 0, q.qKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	items := []interface{}{json.RawMessage(result[1])}
	return q.fill(ctx, items, maxItems), nil
}

// DequeueWithTimeout retrieves items with a timeout
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	// Block until item is available or timeout
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []interface{}{}, nil // Timeout, no items
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	items := []interface{}{json.RawMessage(result[1])}
	return q.fill(ctx, items, maxItems), nil
}

// fill tops items up to maxItems without blocking
func (q *RedisQueue) fill(ctx context.Context, items []interface{}, maxItems int) []interface{} {
	for len(items) < maxItems {
		result, err := q.client.LPop(ctx, q.qKey).Result()
		if err != nil {
			// redis.Nil means empty; on other errors return what we have so far
			break
		}
		items = append(items, json.RawMessage(result))
	}
	return items
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	if q.closed.Load() {
		return 0, ErrQueueClosed
	}

	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue. Items still in Redis stay there for the next
// consumer.
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}

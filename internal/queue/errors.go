package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned by Enqueue when the queue is at its bound
	ErrQueueFull = errors.New("queue is full")
)

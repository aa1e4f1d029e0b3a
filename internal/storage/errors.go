package storage

import "errors"

var (
	// ErrRequestLogNotFound is returned when a request log is not found
	ErrRequestLogNotFound = errors.New("request log not found")
)

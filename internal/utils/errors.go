package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// recoverableErrors are message fragments of transient storage and network
// failures that are worth retrying.
var recoverableErrors = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"bad connection",
	"too many connections",
	"database is locked",
	"i/o timeout",
}

// IsRecoverableError reports whether err is a transient failure that a retry
// may succeed on. Context cancellation is never recoverable.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, recoverable := range recoverableErrors {
		if strings.Contains(msg, recoverable) {
			return true
		}
	}
	return false
}

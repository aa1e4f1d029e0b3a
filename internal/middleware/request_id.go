package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// RequestIDKey is the context key for the request id
	RequestIDKey ContextKey = "requestID"

	// RequestIDHeader is read from inbound requests
	RequestIDHeader = "X-Request-ID"
)

// RequestID reuses the client's X-Request-ID or assigns a new UUID and stores
// it in the request context. Responses are left untouched.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id from the context
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequestIDKey).(string)
	return id, ok && id != ""
}

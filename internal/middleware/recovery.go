package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"ollama_logger/internal/utils"
)

// Recovery turns a handler panic into a 500 JSON error. If the response was
// already started the connection is left to the server to close.
func Recovery(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.NewLogger("http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				requestID, _ := GetRequestID(r.Context())
				logger.Error("Recovered from panic",
					"panic", fmt.Sprint(p),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"stack", string(debug.Stack()),
				)

				if rec.status == 0 {
					utils.RespondWithError(w, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// Chain applies middlewares so that the first one listed runs first
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

package middleware

import (
	"net"
	"net/http"
	"time"

	"ollama_logger/internal/utils"
)

// statusRecorder captures the status code and body size. It forwards Flush
// so streaming handlers keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// AccessLog writes one line per request once the handler returns.
func AccessLog(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.NewLogger("http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			requestID, _ := GetRequestID(r.Context())
			status := rec.statusCode()
			keyvals := []interface{}{
				"status", status,
				"latency", time.Since(start).String(),
				"ip", ClientIP(r),
				"method", r.Method,
				"path", r.URL.Path,
				"bytes", rec.bytes,
				"request_id", requestID,
			}
			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request", keyvals...)
			case status >= http.StatusBadRequest:
				logger.Warn("request", keyvals...)
			default:
				logger.Info("request", keyvals...)
			}
		})
	}
}

// ClientIP returns the host part of the request's remote address
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

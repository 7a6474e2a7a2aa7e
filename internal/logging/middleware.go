package logging

import (
	"net/http"
	"time"
)

// CorrelationHeader is echoed on every response
const CorrelationHeader = "X-Correlation-ID"

// HTTPMiddleware adds correlation ID and request logging to HTTP handlers
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		ctx := WithCorrelationID(r.Context(), correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(CorrelationHeader, correlationID)

		start := time.Now()
		Debug(ctx, ComponentHTTP, ActionRequest, "HTTP request started", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.Header.Get("User-Agent"),
		})

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		level := INFO
		if wrapper.statusCode >= 500 {
			level = ERROR
		} else if wrapper.statusCode >= 400 {
			level = WARN
		}

		if logger := GetGlobalLogger(); logger != nil {
			logger.WithDuration(ctx, level, ComponentHTTP, ActionResponse, "HTTP request completed", time.Since(start), map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapper.statusCode,
				"bytes_sent":  wrapper.bytesWritten,
			})
		}
	})
}

// responseWrapper captures status code and bytes written
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

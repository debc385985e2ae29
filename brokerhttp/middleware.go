package brokerhttp

import (
	"net/http"
	"time"
)

// responseRecorder wraps http.ResponseWriter to capture the status code
// for logging. Initialized to 200 since a handler may write a body
// without ever calling WriteHeader.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequest is the broker's pre-router middleware: one structured log
// line per request, grounded on the teacher's prerouter.RequestLog.Execute.
func (h *Handlers) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		h.logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

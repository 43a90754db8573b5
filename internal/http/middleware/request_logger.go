package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/matthew-callmother/estimator/pkg/logging"
)

// RequestLogger emits structured logs for every HTTP request. The completion
// line carries the session id for session-scoped routes; chi fills route
// params during ServeHTTP, so it is only readable afterwards.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			reqLog := logger.With(
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", reqID,
			)
			reqLog.Info("request started", "remote_ip", r.RemoteAddr)
			next.ServeHTTP(w, r)
			if sid := chi.URLParam(r, "sessionID"); sid != "" {
				reqLog = reqLog.With("session_id", sid)
			}
			reqLog.Info("request completed",
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/UgoRastell/microsaas/internal/pkg/logger"
	"github.com/UgoRastell/microsaas/internal/pkg/security"
)

// Logging returns middleware that logs one line per request with method,
// path, status and duration. At debug level it also dumps the request
// headers with sensitive values masked.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			if log.Enabled(r.Context(), slog.LevelDebug) {
				log.Debug("http request headers",
					"method", r.Method,
					"path", security.SanitizeForLog(r.URL.Path),
					"headers", security.MaskSensitiveHeaders(r.Header),
				)
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			log.Info("http request",
				"method", r.Method,
				"path", security.SanitizeForLog(r.URL.Path),
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", getClientIP(r),
			)
		})
	}
}

// statusWriter captures the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(w.status)
	}
	return w.ResponseWriter.Write(b)
}

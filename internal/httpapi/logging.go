package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"qms/barberline/internal/auth"
	"qms/barberline/internal/metrics"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one access log line per request. Wrap it around
// AuthMiddleware to have the subject reported.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		holder := &subjectHolder{}
		next.ServeHTTP(writer, r.WithContext(withSubjectHolder(r.Context(), holder)))
		duration := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(metrics.StatusClass(writer.status)).Inc()

		level := slog.LevelInfo
		if writer.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", duration.Milliseconds(),
			"subject", holder.subject,
			"request_id", requestIDFromRequest(r),
		)
	})
}

type subjectHolderKey struct{}

// subjectHolder lets handlers deeper in the chain report the authenticated
// subject back to the access log.
type subjectHolder struct {
	subject string
}

// recordSubject copies the caller into the enclosing access log entry, if any.
func recordSubject(r *http.Request, caller auth.Caller) {
	if holder, ok := r.Context().Value(subjectHolderKey{}).(*subjectHolder); ok {
		holder.subject = caller.SubjectID
	}
}

func withSubjectHolder(ctx context.Context, holder *subjectHolder) context.Context {
	return context.WithValue(ctx, subjectHolderKey{}, holder)
}

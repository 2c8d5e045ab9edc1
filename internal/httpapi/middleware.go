package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type ctxKey string

const userIDKey ctxKey = "userId"

// userIdentity reads the tenant user id the pre-JWT way spec §6 names for
// the WebSocket handshake ("userId query param, replaced by JWT in
// production") and applies the same convention to REST calls: the
// X-User-Id header, falling back to a userId query parameter.
func userIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			userID = r.URL.Query().Get("userId")
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userIDFromContext returns the identity userIdentity stashed, or "" if
// absent.
func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// zapRequestLogger mirrors the teacher's structured-logging-per-request
// habit (every handler logs through *zap.Logger, never fmt/log).
func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// sensitiveQueryParams are query parameters redacted from request logs.
// Terminal and proxy WebSocket connects carry their auth token in the query
// string, so logging raw URLs would leak credentials.
var sensitiveQueryParams = []string{"token", "secret", "api_key"}

// RequestLogger logs each HTTP request with sensitive query params redacted.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"url", redactSensitiveParams(r.URL),
					"proto", r.Proto,
					"remote", r.RemoteAddr,
					"request_id", middleware.GetReqID(r.Context()),
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// redactSensitiveParams returns the request URI with sensitive query
// parameters replaced by a placeholder.
func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	redacted := false
	for _, param := range sensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			redacted = true
		}
	}
	if !redacted {
		return u.RequestURI()
	}
	return u.Path + "?" + query.Encode()
}

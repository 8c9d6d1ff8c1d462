package handler

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vibecode-dev/vibecode/internal/auth"
)

// IDEProxy forwards requests under /api/sessions/{sessionId}/proxy/* to the
// session's IDE container, which is published on a loopback port of the
// host. httputil.ReverseProxy handles WebSocket upgrades, SSE, and
// streaming, all of which code-server relies on.
//
// The browser loads the IDE in an iframe and cannot attach an
// Authorization header to those asset requests, so a scoped token in the
// query string stands in for it when auth is enabled.
func (h *Handler) IDEProxy(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	userID, err := h.wsUserID(r, sessionID, auth.ScopeProxy)
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	hostPort, err := h.sessionService.IDEHostPort(r.Context(), userID, sessionID)
	if err != nil {
		h.sessionError(w, err, "Failed to resolve IDE address")
		return
	}

	targetHost := fmt.Sprintf("127.0.0.1:%d", hostPort)
	innerPath := "/" + chi.URLParam(r, "*")

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = targetHost
			req.URL.Path = innerPath
			req.URL.RawQuery = stripToken(r.URL.RawQuery)
			req.Host = targetHost

			// The IDE must never see the caller's credentials
			req.Header.Del("Authorization")
			req.Header.Del("Cookie")

			req.Header.Set("X-Forwarded-Host", r.Host)
			req.Header.Set("X-Forwarded-Proto", requestScheme(r))

			clientIP := r.RemoteAddr
			if idx := strings.LastIndex(clientIP, ":"); idx != -1 {
				clientIP = clientIP[:idx]
			}
			if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
				req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
			} else {
				req.Header.Set("X-Forwarded-For", clientIP)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Error("ide proxy error", "session_id", sessionID, "error", err)
			h.Error(w, http.StatusBadGateway, "IDE unavailable")
		},
		// Streaming support - don't buffer responses
		FlushInterval: -1,
	}

	h.sessionService.Touch(r.Context(), sessionID)
	proxy.ServeHTTP(w, r)
}

// stripToken removes the auth token from the query string before the
// request reaches the IDE.
func stripToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		if strings.HasPrefix(part, "token=") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// requestScheme returns the request scheme (http or https).
func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

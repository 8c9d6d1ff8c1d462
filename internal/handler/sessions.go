package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vibecode-dev/vibecode/internal/auth"
	"github.com/vibecode-dev/vibecode/internal/container"
	"github.com/vibecode-dev/vibecode/internal/middleware"
	"github.com/vibecode-dev/vibecode/internal/service"
)

// CreateSession creates a new session record. Containers are not started
// until the session is opened.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = "untitled"
	}

	session, err := h.sessionService.Create(r.Context(), middleware.GetUserID(r.Context()), req.Name)
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	h.JSON(w, http.StatusCreated, session)
}

// ListSessions returns the user's sessions with live container state.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	views, err := h.sessionService.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	h.JSON(w, http.StatusOK, views)
}

// GetSession returns a single session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	view, err := h.sessionService.Get(r.Context(), middleware.GetUserID(r.Context()), sessionID)
	if err != nil {
		h.sessionError(w, err, "Failed to get session")
		return
	}
	h.JSON(w, http.StatusOK, view)
}

// SessionStatus reports a compact view of the session and its containers,
// enough for a client to tell a session still starting apart from one that
// failed.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	view, err := h.sessionService.Get(r.Context(), middleware.GetUserID(r.Context()), sessionID)
	if err != nil {
		h.sessionError(w, err, "Failed to get session status")
		return
	}

	containers := make(map[string]string, len(view.Containers))
	for _, c := range view.Containers {
		containers[string(c.Flavor)] = string(c.Status)
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"session_id":    view.ID,
		"status":        view.Status,
		"error_message": view.ErrorMessage,
		"containers":    containers,
	})
}

// OpenSession creates or reuses the session's containers and returns the
// session with its published IDE port.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	view, err := h.sessionService.Open(r.Context(), middleware.GetUserID(r.Context()), sessionID)
	if err != nil {
		h.sessionError(w, err, "Failed to open session")
		return
	}
	h.JSON(w, http.StatusOK, view)
}

// StopSession stops the session's containers. The workspace volume and the
// containers themselves are kept for a later reopen.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if err := h.sessionService.Stop(r.Context(), middleware.GetUserID(r.Context()), sessionID); err != nil {
		h.sessionError(w, err, "Failed to stop session")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteSession removes the session's containers and soft-deletes the
// record. With ?force=true the workspace volume and the database row are
// removed as well.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	force := r.URL.Query().Get("force") == "true"

	if err := h.sessionService.Delete(r.Context(), middleware.GetUserID(r.Context()), sessionID, force); err != nil {
		h.sessionError(w, err, "Failed to delete session")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ExecSession runs a command in the session, preferring the runner
// container. Command failures are reported in the result body with exit
// code -1, not as HTTP errors.
func (h *Handler) ExecSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req struct {
		Command []string          `json:"command"`
		WorkDir string            `json:"workdir"`
		Env     map[string]string `json:"env"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Command) == 0 {
		h.Error(w, http.StatusBadRequest, "Command is required")
		return
	}

	result, err := h.sessionService.Exec(r.Context(), middleware.GetUserID(r.Context()), sessionID, req.Command, container.ExecOptions{
		WorkDir: req.WorkDir,
		Env:     req.Env,
	})
	if err != nil {
		h.sessionError(w, err, "Failed to execute command")
		return
	}
	h.JSON(w, http.StatusOK, result)
}

// CreateSessionToken issues a short-lived token for the terminal or proxy
// WebSocket endpoints, where the browser cannot send an Authorization header.
func (h *Handler) CreateSessionToken(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	userID := middleware.GetUserID(r.Context())

	var req struct {
		Scope string `json:"scope"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Scope != auth.ScopeTerminal && req.Scope != auth.ScopeProxy {
		h.Error(w, http.StatusBadRequest, "Scope must be terminal or proxy")
		return
	}

	if err := h.sessionService.VerifyOwnership(r.Context(), userID, sessionID); err != nil {
		h.sessionError(w, err, "Failed to issue token")
		return
	}

	token, err := h.tokens.Issue(userID, sessionID, req.Scope)
	if err != nil {
		h.logger.Error("failed to issue token", "error", err)
		h.Error(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(h.cfg.TokenTTL.Seconds()),
	})
}

// sessionError maps service errors onto HTTP status codes.
func (h *Handler) sessionError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		h.Error(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, container.ErrOwnership):
		h.Error(w, http.StatusForbidden, "Session belongs to another user")
	case errors.Is(err, container.ErrNotRunning):
		h.Error(w, http.StatusConflict, "Session is not running")
	case errors.Is(err, container.ErrNoPublishedPort):
		h.Error(w, http.StatusServiceUnavailable, "IDE proxy unavailable")
	case errors.Is(err, container.ErrDaemonUnavailable):
		h.Error(w, http.StatusBadGateway, "Container daemon unavailable")
	case errors.Is(err, container.ErrImagePull):
		h.logger.Error("image pull failed", "error", err)
		h.Error(w, http.StatusBadGateway, "Failed to pull container image")
	default:
		h.logger.Error(fallback, "error", err)
		h.Error(w, http.StatusInternalServerError, fallback)
	}
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vibecode-dev/vibecode/internal/auth"
	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/service"
	"github.com/vibecode-dev/vibecode/internal/store"
)

// Handler contains all HTTP handlers
type Handler struct {
	store          *store.Store
	cfg            *config.Config
	sessionService *service.SessionService
	tokens         *auth.TokenIssuer
	logger         *slog.Logger
}

// New creates a new Handler.
func New(s *store.Store, cfg *config.Config, sessionService *service.SessionService, logger *slog.Logger) *Handler {
	return &Handler{
		store:          s,
		cfg:            cfg,
		sessionService: sessionService,
		tokens:         auth.NewTokenIssuer(cfg.SessionSecret, cfg.TokenTTL),
		logger:         logger.With("component", "handler"),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

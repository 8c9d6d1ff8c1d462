package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/container"
	"github.com/vibecode-dev/vibecode/internal/container/docker"
	"github.com/vibecode-dev/vibecode/internal/database"
	"github.com/vibecode-dev/vibecode/internal/handler"
	"github.com/vibecode-dev/vibecode/internal/logfile"
	"github.com/vibecode-dev/vibecode/internal/middleware"
	"github.com/vibecode-dev/vibecode/internal/service"
	"github.com/vibecode-dev/vibecode/internal/store"
	"github.com/vibecode-dev/vibecode/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Optionally redirect all output to a log file
	if cfg.LogFile != "" {
		if err := logfile.Truncate(cfg.LogFile); err != nil {
			log.Printf("Warning: failed to truncate log file: %v", err)
		}
		if err := logfile.RedirectStdoutStderr(cfg.LogFile); err != nil {
			log.Fatalf("Failed to redirect output to %s: %v", cfg.LogFile, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	log.Printf("vibecode server %s starting", version.Get())

	// Connect to database
	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed database with the anonymous user
	if err := db.Seed(); err != nil {
		log.Fatalf("Failed to seed database: %v", err)
	}

	// Log auth mode
	if cfg.AuthEnabled {
		log.Println("Authentication enabled - API requests require a bearer token")
	} else {
		log.Println("Authentication disabled - using anonymous user mode")
	}

	// Create store
	s := store.New(db.DB)

	// Initialize the Docker runtime
	registry := container.NewRegistry()
	runtime, err := docker.NewProvider(cfg, registry, logger)
	if err != nil {
		log.Fatalf("Failed to initialize Docker runtime: %v", err)
	}

	// Reconcile with the daemon on startup so containers created before a
	// restart are adopted into the registry and port allocator.
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 2*time.Minute)
	if infos, err := runtime.List(reconcileCtx); err != nil {
		log.Printf("Warning: failed to reconcile containers: %v", err)
	} else {
		log.Printf("Container runtime initialized, adopted %d existing containers", len(infos))
	}
	cancelReconcile()

	sessionSvc := service.NewSessionService(s, runtime, registry, cfg, logger)

	// Start the idle reaper
	reaper := service.NewReaper(s, runtime, registry, logger, cfg.IdleTimeout, cfg.ReapInterval)
	reaper.Start(context.Background())

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version.Get())
	})

	// Initialize handlers
	h := handler.New(s, cfg, sessionSvc, logger)

	r.Route("/api", func(r chi.Router) {
		// Terminal and IDE proxy are long-lived connections authenticated
		// with a scoped query-string token, so they sit outside the
		// bearer-auth group and the request timeout.
		r.Get("/sessions/{sessionId}/terminal", h.TerminalWebSocket)
		r.HandleFunc("/sessions/{sessionId}/proxy/*", h.IDEProxy)

		// REST API (bearer auth when enabled)
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))
			r.Use(middleware.Auth(s, cfg))

			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{sessionId}", h.GetSession)
			r.Get("/sessions/{sessionId}/status", h.SessionStatus)
			r.Delete("/sessions/{sessionId}", h.DeleteSession)
			r.Post("/sessions/{sessionId}/open", h.OpenSession)
			r.Post("/sessions/{sessionId}/stop", h.StopSession)
			r.Post("/sessions/{sessionId}/exec", h.ExecSession)
			r.Post("/sessions/{sessionId}/tokens", h.CreateSessionToken)
		})
	})

	// Create server. No global write timeout: terminal WebSockets and the
	// IDE proxy hold connections open indefinitely.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the reaper before the runtime goes away
	if err := reaper.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: reaper shutdown: %v", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if err := runtime.Close(); err != nil {
		log.Printf("Warning: closing Docker client: %v", err)
	}

	log.Println("Server stopped")
}

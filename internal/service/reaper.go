package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vibecode-dev/vibecode/internal/container"
	"github.com/vibecode-dev/vibecode/internal/model"
	"github.com/vibecode-dev/vibecode/internal/store"
)

// Reaper stops session containers that have seen no activity for the
// configured idle timeout. It only ever stops containers; removal of
// containers and volumes is strictly a user-initiated delete.
type Reaper struct {
	store       *store.Store
	runtime     container.Runtime
	registry    *container.Registry
	logger      *slog.Logger
	idleTimeout time.Duration
	interval    time.Duration

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewReaper creates a new idle session reaper.
func NewReaper(s *store.Store, rt container.Runtime, reg *container.Registry, logger *slog.Logger, idleTimeout, interval time.Duration) *Reaper {
	return &Reaper{
		store:       s,
		runtime:     rt,
		registry:    reg,
		logger:      logger.With("component", "reaper"),
		idleTimeout: idleTimeout,
		interval:    interval,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the reaping loop.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("reaper started",
		"idle_timeout", r.idleTimeout,
		"interval", r.interval)
}

// Shutdown gracefully stops the reaper.
func (r *Reaper) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutting down reaper")
		close(r.stopChan)

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Info("reaper shutdown complete")
		case <-ctx.Done():
			err = fmt.Errorf("shutdown timeout exceeded")
			r.logger.Error("reaper shutdown timeout")
		}
	})
	return err
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper loop stopped: context cancelled")
			return
		case <-r.stopChan:
			r.logger.Info("reaper loop stopped: shutdown signal")
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("error sweeping idle sessions", "error", err)
			}
		}
	}
}

// sweep finds idle running containers and stops them. The daemon listing
// keeps the registry honest: containers created before a server restart are
// picked up here and become reapable.
func (r *Reaper) sweep(ctx context.Context) error {
	infos, err := r.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	now := time.Now()
	stoppedSessions := make(map[string]bool)
	stoppedCount := 0

	for _, info := range infos {
		if info.Status != container.StatusRunning {
			continue
		}

		lastActivity := r.lastActivity(ctx, info)
		if now.Sub(lastActivity) <= r.idleTimeout {
			continue
		}

		logger := r.logger.With("session_id", info.SessionID, "flavor", info.Flavor)
		logger.Info("stopping idle container",
			"last_activity", lastActivity,
			"idle_duration", now.Sub(lastActivity))

		// Failures here are logged and skipped so one bad container does
		// not starve the rest of the sweep.
		if _, err := r.runtime.Stop(ctx, info.SessionID, info.Flavor); err != nil {
			logger.Error("failed to stop idle container", "error", err)
			continue
		}
		stoppedSessions[info.SessionID] = true
		stoppedCount++
	}

	for sessionID := range stoppedSessions {
		r.markStopped(ctx, sessionID)
	}

	if stoppedCount > 0 {
		r.logger.Info("stopped idle containers", "count", stoppedCount)
	}
	return nil
}

// lastActivity determines the most recent activity for a container, using
// the registry first and falling back to the session record, then to the
// container's creation time for containers nothing has touched yet.
func (r *Reaper) lastActivity(ctx context.Context, info *container.Info) time.Time {
	if reg := r.registry.Get(info.SessionID, info.Flavor); reg != nil && !reg.LastActivity.IsZero() {
		return reg.LastActivity
	}

	if session, err := r.store.GetSessionByID(ctx, info.SessionID); err == nil && session.LastActiveAt != nil {
		return *session.LastActiveAt
	}

	return info.CreatedAt
}

// markStopped updates the session record after its containers were reaped.
// Sessions deleted from the store (including soft-deleted ones) are left
// alone; their containers were stopped above regardless.
func (r *Reaper) markStopped(ctx context.Context, sessionID string) {
	if _, err := r.store.GetSessionByID(ctx, sessionID); err != nil {
		return
	}
	if err := r.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusStopped, nil); err != nil {
		r.logger.Error("failed to update session status", "session_id", sessionID, "error", err)
	}
}

// Package service implements the business logic between the HTTP handlers
// and the container runtime and database.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/container"
	"github.com/vibecode-dev/vibecode/internal/model"
	"github.com/vibecode-dev/vibecode/internal/store"
)

// ErrSessionNotFound indicates the session does not exist or is deleted.
var ErrSessionNotFound = errors.New("session not found")

// SessionView combines the durable session record with the live container
// state reported by the daemon.
type SessionView struct {
	*model.Session
	Containers  []*container.Info `json:"containers"`
	IDEHostPort int               `json:"ide_host_port,omitempty"`
}

// SessionService manages the session lifecycle: database records, workspace
// volumes and the IDE and runner containers.
type SessionService struct {
	store    *store.Store
	runtime  container.Runtime
	registry *container.Registry
	cfg      *config.Config
	logger   *slog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(s *store.Store, rt container.Runtime, reg *container.Registry, cfg *config.Config, logger *slog.Logger) *SessionService {
	return &SessionService{
		store:    s,
		runtime:  rt,
		registry: reg,
		cfg:      cfg,
		logger:   logger.With("component", "session_service"),
	}
}

// requireOwned loads a session and verifies the caller owns it. Ownership
// failures are reported before any daemon call is made, and are never folded
// into not-found.
func (s *SessionService) requireOwned(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	session, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.UserID != userID {
		return nil, container.ErrOwnership
	}
	return session, nil
}

// Create registers a new session record. Containers are not created until
// the first Open call.
func (s *SessionService) Create(ctx context.Context, userID, name string) (*model.Session, error) {
	session := &model.Session{
		UserID: userID,
		Name:   name,
		Status: model.SessionStatusCreated,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("session created", "session_id", session.ID, "user_id", userID)
	return session, nil
}

// Open brings the session's IDE and runner containers up, creating whatever
// is missing. Safe to call repeatedly: an already-open session returns its
// existing containers. The IDE is brought up first so its published port is
// known even when the runner fails.
func (s *SessionService) Open(ctx context.Context, userID, sessionID string) (*SessionView, error) {
	session, err := s.requireOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	ide, err := s.runtime.CreateOrReuse(ctx, sessionID, userID, container.FlavorIDE)
	if err != nil {
		msg := err.Error()
		_ = s.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusError, &msg)
		return nil, err
	}

	if err := s.store.SetSessionContainer(ctx, sessionID, &ide.ID, ide.VolumeName); err != nil {
		s.logger.Warn("failed to record container id", "session_id", sessionID, "error", err)
	}

	runner, err := s.runtime.CreateOrReuse(ctx, sessionID, userID, container.FlavorRunner)
	if err != nil {
		// The IDE is usable without the runner; record the partial failure
		// but report the session as running.
		s.logger.Warn("runner container failed to start", "session_id", sessionID, "error", err)
	}

	if err := s.ensureRunnerReady(ctx, sessionID, runner); err != nil {
		s.logger.Warn("runner not ready after start", "session_id", sessionID, "error", err)
	}

	now := time.Now()
	if err := s.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusRunning, nil); err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	_ = s.store.TouchSessionActivity(ctx, sessionID, now)
	s.registry.Touch(sessionID, now)

	session.Status = model.SessionStatusRunning
	session.LastActiveAt = &now

	view := &SessionView{Session: session, Containers: []*container.Info{ide}, IDEHostPort: ide.HostPort}
	if runner != nil {
		view.Containers = append(view.Containers, runner)
	}
	return view, nil
}

// ensureRunnerReady verifies the runner is actually usable, not just
// reported running. The workspace must be writable and a trivial echo must
// round-trip; a missing interpreter is logged but tolerated since not every
// session needs one immediately.
func (s *SessionService) ensureRunnerReady(ctx context.Context, sessionID string, runner *container.Info) error {
	if runner == nil {
		return fmt.Errorf("no runner container")
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	if err := s.probe(probeCtx, sessionID, []string{"sh", "-c", "touch .readiness-probe && rm .readiness-probe"}, ""); err != nil {
		return fmt.Errorf("workspace not writable: %w", err)
	}

	if err := s.probe(probeCtx, sessionID, []string{"python3", "--version"}, ""); err != nil {
		s.logger.Warn("runner has no python interpreter", "session_id", sessionID, "error", err)
	}

	if err := s.probe(probeCtx, sessionID, []string{"echo", "ready"}, "ready\n"); err != nil {
		return fmt.Errorf("echo probe failed: %w", err)
	}

	return nil
}

func (s *SessionService) probe(ctx context.Context, sessionID string, cmd []string, wantStdout string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		result, err := s.runtime.Exec(ctx, sessionID, container.FlavorRunner, cmd, container.ExecOptions{})
		switch {
		case err != nil:
			lastErr = err
		case result.ExitCode != 0:
			lastErr = fmt.Errorf("probe exited with code %d: %s", result.ExitCode, result.Stderr)
		case wantStdout != "" && result.Stdout != wantStdout:
			lastErr = fmt.Errorf("probe output mismatch: %q", result.Stdout)
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}

// Get returns the session with its live container state.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*SessionView, error) {
	session, err := s.requireOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, session), nil
}

// List returns all of the user's sessions with live container state.
func (s *SessionService) List(ctx context.Context, userID string) ([]*SessionView, error) {
	sessions, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]*SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, s.buildView(ctx, session))
	}
	return views, nil
}

// buildView attaches container state to a session record. Daemon lookups
// that fail leave the container list empty rather than failing the view.
func (s *SessionService) buildView(ctx context.Context, session *model.Session) *SessionView {
	view := &SessionView{Session: session}
	for _, flavor := range []container.Flavor{container.FlavorIDE, container.FlavorRunner} {
		info, err := s.runtime.Get(ctx, session.ID, flavor)
		if err != nil {
			continue
		}
		view.Containers = append(view.Containers, info)
		if flavor == container.FlavorIDE {
			view.IDEHostPort = info.HostPort
		}
	}
	return view
}

// Stop stops both of the session's containers. Volumes and containers are
// kept for a later reopen.
func (s *SessionService) Stop(ctx context.Context, userID, sessionID string) error {
	if _, err := s.requireOwned(ctx, userID, sessionID); err != nil {
		return err
	}

	var firstErr error
	for _, flavor := range []container.Flavor{container.FlavorIDE, container.FlavorRunner} {
		if _, err := s.runtime.Stop(ctx, sessionID, flavor); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if err := s.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusStopped, nil); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	s.logger.Info("session stopped", "session_id", sessionID)
	return nil
}

// Delete removes the session's containers and soft-deletes its record.
// When force is true the workspace volume and the database row are removed
// permanently; otherwise the volume survives so the session's files can be
// recovered.
func (s *SessionService) Delete(ctx context.Context, userID, sessionID string, force bool) error {
	session, err := s.requireOwned(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	for _, flavor := range []container.Flavor{container.FlavorIDE, container.FlavorRunner} {
		if err := s.runtime.Remove(ctx, sessionID, flavor); err != nil {
			return fmt.Errorf("failed to remove %s container: %w", flavor, err)
		}
		s.registry.Delete(sessionID, flavor)
	}

	// Containers are gone, so the record must not reference one anymore
	if err := s.store.SetSessionContainer(ctx, sessionID, nil, session.VolumeName); err != nil {
		s.logger.Warn("failed to clear container id", "session_id", sessionID, "error", err)
	}

	if force {
		volName := container.VolumeName(session.UserID, sessionID)
		if err := s.runtime.RemoveVolume(ctx, volName); err != nil {
			return fmt.Errorf("failed to remove workspace volume: %w", err)
		}
		if err := s.store.HardDeleteSession(ctx, sessionID); err != nil {
			return err
		}
		s.logger.Info("session purged", "session_id", sessionID)
		return nil
	}

	if err := s.store.SoftDeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// Exec runs a command in the session, preferring the runner container and
// falling back to the IDE container when the runner is unavailable. Failures
// to execute at all are reported as a result with the -1 exit sentinel so
// callers always receive command output shape.
func (s *SessionService) Exec(ctx context.Context, userID, sessionID string, cmd []string, opts container.ExecOptions) (*container.ExecResult, error) {
	if _, err := s.requireOwned(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	result, flavor, execErr := s.execPreferred(ctx, sessionID, cmd, opts)
	if execErr != nil {
		now := time.Now().UnixMilli()
		result = &container.ExecResult{
			Command:    strings.Join(cmd, " "),
			Stderr:     execErr.Error(),
			ExitCode:   -1,
			StartedAt:  now,
			FinishedAt: now,
		}
		flavor = container.FlavorRunner
	}

	now := time.Now()
	_ = s.store.TouchSessionActivity(ctx, sessionID, now)
	s.registry.Touch(sessionID, now)

	record := &model.ExecRecord{
		SessionID:  sessionID,
		Flavor:     string(flavor),
		Command:    result.Command,
		ExitCode:   result.ExitCode,
		DurationMS: result.DurationMS,
	}
	if err := s.store.CreateExecRecord(ctx, record); err != nil {
		s.logger.Warn("failed to record exec", "session_id", sessionID, "error", err)
	}

	return result, nil
}

// execPreferred tries the runner first, then the IDE container.
func (s *SessionService) execPreferred(ctx context.Context, sessionID string, cmd []string, opts container.ExecOptions) (*container.ExecResult, container.Flavor, error) {
	result, err := s.runtime.Exec(ctx, sessionID, container.FlavorRunner, cmd, opts)
	if err == nil {
		return result, container.FlavorRunner, nil
	}
	if !errors.Is(err, container.ErrNotFound) && !errors.Is(err, container.ErrNotRunning) {
		return nil, container.FlavorRunner, err
	}

	result, ideErr := s.runtime.Exec(ctx, sessionID, container.FlavorIDE, cmd, opts)
	if ideErr != nil {
		return nil, container.FlavorIDE, err // original runner error is the more useful one
	}
	return result, container.FlavorIDE, nil
}

// Terminal opens an interactive PTY in the session, preferring the runner.
func (s *SessionService) Terminal(ctx context.Context, userID, sessionID string, opts container.AttachOptions) (container.PTY, error) {
	if _, err := s.requireOwned(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	pty, err := s.runtime.Attach(ctx, sessionID, container.FlavorRunner, opts)
	if err == nil {
		s.Touch(ctx, sessionID)
		return pty, nil
	}
	if !errors.Is(err, container.ErrNotFound) && !errors.Is(err, container.ErrNotRunning) {
		return nil, err
	}

	pty, ideErr := s.runtime.Attach(ctx, sessionID, container.FlavorIDE, opts)
	if ideErr != nil {
		return nil, err
	}
	s.Touch(ctx, sessionID)
	return pty, nil
}

// IDEHostPort returns the loopback port where the session's IDE is
// published. The session must be owned by the user and the IDE running.
func (s *SessionService) IDEHostPort(ctx context.Context, userID, sessionID string) (int, error) {
	if _, err := s.requireOwned(ctx, userID, sessionID); err != nil {
		return 0, err
	}

	info, err := s.runtime.Get(ctx, sessionID, container.FlavorIDE)
	if err != nil {
		return 0, err
	}
	if info.Status != container.StatusRunning {
		return 0, container.ErrNotRunning
	}
	if info.HostPort == 0 {
		return 0, container.ErrNoPublishedPort
	}
	return info.HostPort, nil
}

// Touch records user activity against the session in both the registry and
// the database.
func (s *SessionService) Touch(ctx context.Context, sessionID string) {
	now := time.Now()
	s.registry.Touch(sessionID, now)
	if err := s.store.TouchSessionActivity(ctx, sessionID, now); err != nil {
		s.logger.Warn("failed to touch session activity", "session_id", sessionID, "error", err)
	}
}

// VerifyOwnership checks that the user owns the session without touching
// the daemon. Used by WebSocket endpoints before upgrading.
func (s *SessionService) VerifyOwnership(ctx context.Context, userID, sessionID string) error {
	_, err := s.requireOwned(ctx, userID, sessionID)
	return err
}


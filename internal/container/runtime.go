// Package container defines the domain types and runtime abstraction for
// per-session workspace containers. Each session owns up to two containers —
// an IDE container running the browser editor and a runner container holding
// the language toolchains — plus one named volume shared by both.
package container

import (
	"context"
	"fmt"
	"time"
)

// Flavor identifies which of the two container roles an instance fulfills.
type Flavor string

const (
	// FlavorIDE is the container running the browser IDE's HTTP service.
	FlavorIDE Flavor = "ide"

	// FlavorRunner is the secondary container used for command execution and
	// terminals, sharing the session's workspace volume.
	FlavorRunner Flavor = "runner"
)

// Status represents the current state of a container.
type Status string

const (
	StatusCreated Status = "created" // Container exists but not started
	StatusRunning Status = "running" // Container is running
	StatusStopped Status = "stopped" // Container has stopped
	StatusFailed  Status = "failed"  // Container failed to start or crashed
)

// WorkspacePath is where the session volume is mounted inside both containers.
const WorkspacePath = "/workspace"

// Label keys form the only durable cross-restart state besides the daemon's
// own container and volume objects. Any component rebuilding in-memory state
// after a restart relies exclusively on these plus deterministic names.
const (
	LabelApp          = "app"
	LabelAppValue     = "vibecode"
	LabelSessionID    = "vibecode.session.id"
	LabelUserID       = "vibecode.user.id"
	LabelVolume       = "vibecode.volume"
	LabelCreatedAt    = "vibecode.created.at" // RFC3339
	LabelFlavor       = "vibecode.flavor"
	LabelInternalPort = "vibecode.internal.port"
	LabelHostPort     = "vibecode.host.port"
)

// Info describes a tracked container. It is runtime-side state, never
// persisted: the Docker daemon is the source of truth and Info must be
// reconstructable from container labels alone.
type Info struct {
	ID           string    // Daemon container ID
	Name         string    // Deterministic name derived from (user, session, flavor)
	SessionID    string
	UserID       string
	VolumeName   string
	Flavor       Flavor
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	InternalPort int // IDE flavor only: port the IDE service listens on inside the container
	HostPort     int // IDE flavor only: published loopback port, 0 if unpublished
	Error        string
}

// ExecResult is the outcome of a command run inside a container. Transient,
// returned synchronously to the caller. ExitCode -1 is the "could not
// execute" sentinel, distinct from any real process exit code.
type ExecResult struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	StartedAt  int64  `json:"started_at"`  // epoch millis
	FinishedAt int64  `json:"finished_at"` // epoch millis
	DurationMS int64  `json:"execution_time_ms"`
}

// IDEName returns the deterministic IDE container name for a session.
func IDEName(userID, sessionID string) string {
	return fmt.Sprintf("vibecode-ide-%s-%s", userID, sessionID)
}

// RunnerName returns the deterministic runner container name for a session.
func RunnerName(userID, sessionID string) string {
	return fmt.Sprintf("vibecode-runner-%s-%s", userID, sessionID)
}

// Name returns the deterministic container name for a flavor.
func Name(userID, sessionID string, flavor Flavor) string {
	if flavor == FlavorRunner {
		return RunnerName(userID, sessionID)
	}
	return IDEName(userID, sessionID)
}

// VolumeName returns the deterministic workspace volume name for a session.
// The volume name uniquely determines the session's persistent workspace.
func VolumeName(userID, sessionID string) string {
	return fmt.Sprintf("vibecode-ws-%s-%s", userID, sessionID)
}

// Runtime abstracts the container engine. The production implementation talks
// to a single local Docker daemon; tests use the mock package.
type Runtime interface {
	// EnsureVolume creates the named workspace volume if it does not exist.
	// Idempotent: an existing volume is not an error.
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error

	// PullImage pulls an image, applying the configured fallback for the IDE
	// image family. Returns the image reference that actually succeeded.
	PullImage(ctx context.Context, image string) (string, error)

	// CreateOrReuse ensures a container of the given flavor exists and is
	// running for the session. Idempotent under retries and concurrent calls:
	// the daemon's name uniqueness constraint serializes creation.
	CreateOrReuse(ctx context.Context, sessionID, userID string, flavor Flavor) (*Info, error)

	// Start starts the container if present. Returns false (not an error)
	// when no container exists — callers treat that as a normal condition.
	Start(ctx context.Context, sessionID string, flavor Flavor) (bool, error)

	// Stop stops the container with a bounded grace period. Never removes the
	// container or its volume. Returns false when no container exists.
	Stop(ctx context.Context, sessionID string, flavor Flavor) (bool, error)

	// Get returns the tracked container for a session, reconciling with the
	// daemon on cache miss. Returns ErrNotFound if none exists.
	Get(ctx context.Context, sessionID string, flavor Flavor) (*Info, error)

	// List returns all containers carrying the app label, repopulating the
	// registry as a side effect. Includes stopped containers.
	List(ctx context.Context) ([]*Info, error)

	// Remove force-removes the container if present. A missing container is
	// not an error. The workspace volume is never removed here.
	Remove(ctx context.Context, sessionID string, flavor Flavor) error

	// RemoveVolume deletes a workspace volume. A missing volume is not an
	// error.
	RemoveVolume(ctx context.Context, name string) error

	// Exec runs a command inside the container, demultiplexing stdout and
	// stderr, and reports wall-clock timing.
	Exec(ctx context.Context, sessionID string, flavor Flavor, cmd []string, opts ExecOptions) (*ExecResult, error)

	// Attach creates an interactive TTY exec session in the container.
	Attach(ctx context.Context, sessionID string, flavor Flavor, opts AttachOptions) (PTY, error)
}

// ExecOptions configures non-interactive command execution.
type ExecOptions struct {
	WorkDir string
	Env     map[string]string
}

// AttachOptions configures interactive PTY session creation.
type AttachOptions struct {
	Cmd  []string // Command to run (empty = default shell)
	Rows int
	Cols int
	Env  map[string]string
}

// PTY represents an interactive terminal session to a container.
// It implements io.ReadWriteCloser for terminal I/O.
type PTY interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)

	// Resize changes the terminal dimensions.
	Resize(ctx context.Context, rows, cols int) error

	// Close terminates the PTY session. Safe to call more than once.
	Close() error

	// Wait blocks until the PTY command exits and returns the exit code.
	Wait(ctx context.Context) (int, error)
}

package container

import "errors"

// Sentinel errors for container operations. "Not found" conditions are
// returned as ErrNotFound or as false/nil values so callers can decide
// idempotently whether to create; only genuinely broken states (daemon
// unreachable, malformed responses) surface as other errors.
var (
	// ErrNotFound indicates the container or volume does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrNotRunning indicates the container is not running when it should be.
	ErrNotRunning = errors.New("container not running")

	// ErrStartFailed indicates the container failed to reach running state.
	ErrStartFailed = errors.New("container failed to start")

	// ErrExecFailed indicates command execution failed at the daemon level.
	ErrExecFailed = errors.New("command execution failed")

	// ErrAttachFailed indicates a PTY attach to the container failed.
	ErrAttachFailed = errors.New("failed to attach to container")

	// ErrVolume indicates the workspace volume could not be created.
	ErrVolume = errors.New("volume operation failed")

	// ErrImagePull indicates both the requested image and its fallback
	// failed to pull.
	ErrImagePull = errors.New("image pull failed")

	// ErrNoPublishedPort indicates the IDE container is running without a
	// published host port, so the proxy has nothing to forward to.
	ErrNoPublishedPort = errors.New("ide container has no published port")

	// ErrOwnership indicates the caller does not own the session. Always an
	// authorization failure, never merged with not-found.
	ErrOwnership = errors.New("session not owned by caller")

	// ErrDaemonUnavailable indicates the container daemon is unreachable.
	ErrDaemonUnavailable = errors.New("container daemon unavailable")
)

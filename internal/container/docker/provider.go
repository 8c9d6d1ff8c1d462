// Package docker provides a Docker-based implementation of the
// container.Runtime interface. One Provider talks to one local daemon; all
// durable state lives in the daemon's container and volume objects, found
// again after restarts via labels and deterministic names.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/container"
)

// Provider implements the container.Runtime interface using Docker.
type Provider struct {
	client   *client.Client
	cfg      *config.Config
	registry *container.Registry
	logger   *slog.Logger

	// containerIDs maps (sessionID, flavor) -> Docker container ID
	containerIDs   map[cacheKey]string
	containerIDsMu sync.RWMutex

	ports *portAllocator
}

type cacheKey struct {
	sessionID string
	flavor    container.Flavor
}

// NewProvider creates a new Docker runtime provider and verifies daemon
// connectivity.
func NewProvider(cfg *config.Config, registry *container.Registry, logger *slog.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}

	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrDaemonUnavailable, err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: %v", container.ErrDaemonUnavailable, err)
	}

	return &Provider{
		client:       cli,
		cfg:          cfg,
		registry:     registry,
		logger:       logger.With("component", "docker"),
		containerIDs: make(map[cacheKey]string),
		ports:        newPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
	}, nil
}

// EnsureVolume creates the named workspace volume if it does not exist.
// VolumeCreate is idempotent for an existing name, so no pre-check is needed.
func (p *Provider) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := p.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", container.ErrVolume, err)
	}
	return nil
}

// RemoveVolume deletes a workspace volume. Missing volumes are ignored.
func (p *Provider) RemoveVolume(ctx context.Context, name string) error {
	if err := p.client.VolumeRemove(ctx, name, true); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", container.ErrVolume, err)
	}
	return nil
}

// PullImage ensures an image is available locally, pulling it if missing.
// For the IDE image a configured fallback is tried when the primary pull
// fails. Returns the image reference that is actually usable.
func (p *Provider) PullImage(ctx context.Context, image string) (string, error) {
	primaryErr := p.ensureImage(ctx, image)
	if primaryErr == nil {
		return image, nil
	}

	fallback := p.cfg.IDEImageFallback
	if image != p.cfg.IDEImage || fallback == "" || fallback == image {
		return "", fmt.Errorf("%w: %s: %v", container.ErrImagePull, image, primaryErr)
	}

	p.logger.Warn("primary image pull failed, trying fallback",
		"image", image, "fallback", fallback, "error", primaryErr)

	if fallbackErr := p.ensureImage(ctx, fallback); fallbackErr != nil {
		return "", fmt.Errorf("%w: %s: %v; fallback %s: %v (set VIBECODE_IDE_IMAGE to a reachable image)",
			container.ErrImagePull, image, primaryErr, fallback, fallbackErr)
	}
	return fallback, nil
}

// ensureImage checks if an image exists locally and pulls it if not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	_, err := p.client.ImageInspect(ctx, image)
	if err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return pullError(image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

// pullError classifies an image pull failure. Operator guidance differs: a
// missing image needs a different reference, a denied one needs registry
// credentials.
func pullError(image string, err error) error {
	switch {
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("image %s not found in registry: %w", image, err)
	case cerrdefs.IsUnauthorized(err), cerrdefs.IsPermissionDenied(err):
		return fmt.Errorf("access denied pulling image %s, check registry credentials: %w", image, err)
	default:
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
}

// getContainerID retrieves the Docker container ID for a session's flavor.
// On cache miss the deterministic name is inspected so state survives
// process restarts.
func (p *Provider) getContainerID(ctx context.Context, sessionID, userID string, flavor container.Flavor) (string, error) {
	key := cacheKey{sessionID: sessionID, flavor: flavor}

	p.containerIDsMu.RLock()
	containerID, exists := p.containerIDs[key]
	p.containerIDsMu.RUnlock()

	if exists {
		return containerID, nil
	}

	name := container.Name(userID, sessionID, flavor)
	info, err := p.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", container.ErrNotFound
	}

	p.containerIDsMu.Lock()
	p.containerIDs[key] = info.ID
	p.containerIDsMu.Unlock()

	return info.ID, nil
}

// lookupContainerID resolves a container ID for a session when the caller
// does not know the user ID, falling back to a label-filtered listing.
func (p *Provider) lookupContainerID(ctx context.Context, sessionID string, flavor container.Flavor) (string, error) {
	key := cacheKey{sessionID: sessionID, flavor: flavor}

	p.containerIDsMu.RLock()
	containerID, exists := p.containerIDs[key]
	p.containerIDsMu.RUnlock()

	if exists {
		return containerID, nil
	}

	// Registry may know the container from a previous reconcile
	if info := p.registry.Get(sessionID, flavor); info != nil && info.ID != "" {
		p.containerIDsMu.Lock()
		p.containerIDs[key] = info.ID
		p.containerIDsMu.Unlock()
		return info.ID, nil
	}

	// Full daemon scan as a last resort
	infos, err := p.List(ctx)
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		if info.SessionID == sessionID && info.Flavor == flavor {
			return info.ID, nil
		}
	}
	return "", container.ErrNotFound
}

// clearContainerID removes a container ID from the cache and the registry.
// Used when a container turns out to have been deleted externally.
func (p *Provider) clearContainerID(sessionID string, flavor container.Flavor) {
	p.containerIDsMu.Lock()
	delete(p.containerIDs, cacheKey{sessionID: sessionID, flavor: flavor})
	p.containerIDsMu.Unlock()
	p.registry.Delete(sessionID, flavor)
}

// cacheContainerID records a resolved container ID.
func (p *Provider) cacheContainerID(sessionID string, flavor container.Flavor, id string) {
	p.containerIDsMu.Lock()
	p.containerIDs[cacheKey{sessionID: sessionID, flavor: flavor}] = id
	p.containerIDsMu.Unlock()
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// infoFromInspect builds a container.Info from an inspect response, reading
// identity exclusively from labels.
func (p *Provider) infoFromInspect(inspect containerTypes.InspectResponse) *container.Info {
	labels := inspect.Config.Labels

	info := &container.Info{
		ID:         inspect.ID,
		Name:       strings.TrimPrefix(inspect.Name, "/"),
		SessionID:  labels[container.LabelSessionID],
		UserID:     labels[container.LabelUserID],
		VolumeName: labels[container.LabelVolume],
		Flavor:     container.Flavor(labels[container.LabelFlavor]),
	}

	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	} else if ts := labels[container.LabelCreatedAt]; ts != "" {
		if created, err := time.Parse(time.RFC3339, ts); err == nil {
			info.CreatedAt = created
		}
	}

	if port, err := strconv.Atoi(labels[container.LabelInternalPort]); err == nil {
		info.InternalPort = port
	}

	info.Status, info.Error = statusFromState(inspect.State)

	// The host port label records the requested binding; the live inspect
	// data is authoritative once the container runs.
	if hostPort := p.publishedHostPort(inspect.NetworkSettings, info.InternalPort); hostPort != 0 {
		info.HostPort = hostPort
	} else if port, err := strconv.Atoi(labels[container.LabelHostPort]); err == nil {
		info.HostPort = port
	}

	return info
}

// statusFromState maps a Docker container state to a domain status.
// Exit codes 137 (SIGKILL, 128+9) and 143 (SIGTERM, 128+15) are expected
// from docker stop and are treated as stopped, not failed.
func statusFromState(state *containerTypes.State) (container.Status, string) {
	if state == nil {
		return container.StatusCreated, ""
	}

	switch {
	case state.Running:
		return container.StatusRunning, ""
	case state.Paused:
		return container.StatusStopped, ""
	case state.Dead || state.OOMKilled:
		return container.StatusFailed, state.Error
	case state.ExitCode != 0:
		if state.ExitCode == 137 || state.ExitCode == 143 {
			return container.StatusStopped, ""
		}
		return container.StatusFailed, fmt.Sprintf("exited with code %d", state.ExitCode)
	default:
		if state.FinishedAt != "" && state.FinishedAt != "0001-01-01T00:00:00Z" {
			return container.StatusStopped, ""
		}
		return container.StatusCreated, ""
	}
}

// publishedHostPort extracts the loopback host port mapped to the given
// container port. Returns 0 when no binding exists.
func (p *Provider) publishedHostPort(settings *containerTypes.NetworkSettings, internalPort int) int {
	if settings == nil || internalPort == 0 {
		return 0
	}
	for port, bindings := range settings.Ports {
		if port.Int() != internalPort {
			continue
		}
		for _, binding := range bindings {
			if hostPort, err := strconv.Atoi(binding.HostPort); err == nil && hostPort != 0 {
				return hostPort
			}
		}
	}
	return 0
}

package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	"github.com/vibecode-dev/vibecode/internal/container"
)

// portRetries is how many candidate host ports are tried when a start fails
// because another process grabbed the port first.
const portRetries = 3

// CreateOrReuse ensures the session's container of the given flavor exists
// and is running. An existing healthy container is reused as-is, a stopped
// one is restarted, and a failed one is replaced. The daemon's container
// name uniqueness makes concurrent calls converge on one container.
func (p *Provider) CreateOrReuse(ctx context.Context, sessionID, userID string, flavor container.Flavor) (*container.Info, error) {
	name := container.Name(userID, sessionID, flavor)

	if existing, err := p.client.ContainerInspect(ctx, name); err == nil {
		info := p.infoFromInspect(existing)
		p.cacheContainerID(sessionID, flavor, existing.ID)

		switch info.Status {
		case container.StatusRunning:
			p.touchAndPut(info)
			return info, nil

		case container.StatusCreated, container.StatusStopped:
			if err := p.client.ContainerStart(ctx, existing.ID, containerTypes.StartOptions{}); err != nil {
				return nil, fmt.Errorf("%w: %v", container.ErrStartFailed, err)
			}
			return p.verifyStarted(ctx, existing.ID, sessionID, flavor)

		default:
			// Failed containers are replaced rather than restarted
			p.logger.Warn("replacing failed container", "name", name, "error", info.Error)
			if err := p.client.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true}); err != nil {
				return nil, fmt.Errorf("failed to remove failed container: %w", err)
			}
			p.clearContainerID(sessionID, flavor)
		}
	} else {
		// Cache entry without a daemon container is stale
		p.clearContainerID(sessionID, flavor)
	}

	return p.create(ctx, sessionID, userID, flavor)
}

// create builds and starts a fresh container for the flavor.
func (p *Provider) create(ctx context.Context, sessionID, userID string, flavor container.Flavor) (*container.Info, error) {
	name := container.Name(userID, sessionID, flavor)
	volName := container.VolumeName(userID, sessionID)

	volumeLabels := map[string]string{
		container.LabelApp:       container.LabelAppValue,
		container.LabelSessionID: sessionID,
		container.LabelUserID:    userID,
	}
	if err := p.EnsureVolume(ctx, volName, volumeLabels); err != nil {
		return nil, err
	}

	requested := p.cfg.RunnerImage
	if flavor == container.FlavorIDE {
		requested = p.cfg.IDEImage
	}
	image, err := p.PullImage(ctx, requested)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		container.LabelApp:       container.LabelAppValue,
		container.LabelSessionID: sessionID,
		container.LabelUserID:    userID,
		container.LabelVolume:    volName,
		container.LabelFlavor:    string(flavor),
		container.LabelCreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	containerConfig := &containerTypes.Config{
		Image:      image,
		Labels:     labels,
		WorkingDir: container.WorkspacePath,
		Env: []string{
			fmt.Sprintf("VIBECODE_SESSION_ID=%s", sessionID),
			"LANG=C.UTF-8",
			"TERM=xterm-256color",
		},
	}

	hostConfig := &containerTypes.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volName,
				Target: container.WorkspacePath,
			},
		},
		SecurityOpt: []string{"no-new-privileges"},
	}

	if p.cfg.MemoryLimitMB > 0 {
		hostConfig.Memory = int64(p.cfg.MemoryLimitMB) * 1024 * 1024
	}
	if p.cfg.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(p.cfg.CPULimit * 1e9)
	}
	if p.cfg.PidsLimit > 0 {
		pids := p.cfg.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	switch flavor {
	case container.FlavorIDE:
		containerConfig.Cmd = ideCmd(image, p.cfg.IDEInternalPort)
		labels[container.LabelInternalPort] = strconv.Itoa(p.cfg.IDEInternalPort)
	case container.FlavorRunner:
		// Keep the runner alive with no workload; all work arrives via exec
		containerConfig.Cmd = []string{"sleep", "infinity"}
		containerConfig.Tty = true
	}

	if flavor == container.FlavorIDE && p.cfg.PublishHostPort {
		return p.createPublished(ctx, name, sessionID, userID, flavor, containerConfig, hostConfig)
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			// Lost a create race: the winner's container is the session's
			return p.CreateOrReuse(ctx, sessionID, userID, flavor)
		}
		return nil, fmt.Errorf("%w: %v", container.ErrStartFailed, err)
	}
	p.cacheContainerID(sessionID, flavor, resp.ID)

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrStartFailed, err)
	}
	return p.verifyStarted(ctx, resp.ID, sessionID, flavor)
}

// createPublished creates the IDE container with its internal port bound to
// a loopback host port from the configured range, retrying with the next
// candidate when the daemon reports the port taken. When the range is
// exhausted it lets the OS pick a free loopback port instead of failing.
func (p *Provider) createPublished(ctx context.Context, name, sessionID, userID string, flavor container.Flavor, containerConfig *containerTypes.Config, hostConfig *containerTypes.HostConfig) (*container.Info, error) {
	port := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.IDEInternalPort))
	containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}

	var lastErr error
	for attempt := 0; attempt < portRetries; attempt++ {
		// When the configured range is exhausted, fall back to an
		// OS-assigned port. The binding stays loopback-only on every
		// allocation path; the reverse proxy is the sole public entry
		// point.
		hostPort, reserveErr := p.ports.Reserve()
		if reserveErr != nil {
			p.logger.Warn("port range exhausted, using os-assigned port", "error", reserveErr)
			hostPort = 0
		}

		binding := nat.PortBinding{HostIP: "127.0.0.1"}
		if hostPort != 0 {
			binding.HostPort = strconv.Itoa(hostPort)
			containerConfig.Labels[container.LabelHostPort] = strconv.Itoa(hostPort)
		} else {
			delete(containerConfig.Labels, container.LabelHostPort)
		}
		hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{binding}}

		resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
		if err != nil {
			p.ports.Release(hostPort)
			if cerrdefs.IsConflict(err) {
				// Lost a create race: reuse (and if needed start) the
				// winner's container instead of handing back a raw inspect
				return p.CreateOrReuse(ctx, sessionID, userID, flavor)
			}
			return nil, fmt.Errorf("%w: %v", container.ErrStartFailed, err)
		}
		p.cacheContainerID(sessionID, flavor, resp.ID)

		err = p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{})
		if err == nil {
			info, verr := p.verifyStarted(ctx, resp.ID, sessionID, flavor)
			if verr == nil && hostPort == 0 && info.HostPort != 0 {
				// OS-assigned path: record the port the daemon picked
				p.ports.MarkUsed(info.HostPort)
			}
			return info, verr
		}

		lastErr = err
		if !strings.Contains(err.Error(), "port is already allocated") &&
			!strings.Contains(err.Error(), "address already in use") {
			return nil, fmt.Errorf("%w: %v", container.ErrStartFailed, err)
		}

		// Port raced by another process: discard and retry with a new port
		p.logger.Warn("host port taken, retrying", "port", hostPort, "attempt", attempt+1)
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		p.clearContainerID(sessionID, flavor)
		p.ports.Release(hostPort)
	}

	return nil, fmt.Errorf("%w: %v", container.ErrStartFailed, lastErr)
}

// ideCmd returns the command line for the IDE image. The code-server images
// need their bind address forced onto the published port; other images run
// their default entrypoint.
func ideCmd(image string, port int) []string {
	if strings.Contains(image, "code-server") {
		return []string{
			"--bind-addr", fmt.Sprintf("0.0.0.0:%d", port),
			"--auth", "none",
			container.WorkspacePath,
		}
	}
	return nil
}

// verifyStarted inspects a container after start and confirms it is still
// running. Containers that exit immediately surface as ErrStartFailed with
// the exit detail instead of silently reporting success.
func (p *Provider) verifyStarted(ctx context.Context, containerID, sessionID string, flavor container.Flavor) (*container.Info, error) {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container after start: %w", err)
	}

	info := p.infoFromInspect(inspect)
	if info.Status != container.StatusRunning {
		detail := info.Error
		if detail == "" {
			detail = string(info.Status)
		}
		info.Status = container.StatusFailed
		info.Error = detail
		p.touchAndPut(info)
		return nil, fmt.Errorf("%w: container exited immediately: %s", container.ErrStartFailed, detail)
	}

	p.touchAndPut(info)
	return info, nil
}

// touchAndPut stamps activity and stores the info in the registry,
// preserving an earlier LastActivity when one exists.
func (p *Provider) touchAndPut(info *container.Info) {
	if prev := p.registry.Get(info.SessionID, info.Flavor); prev != nil && !prev.LastActivity.IsZero() {
		info.LastActivity = prev.LastActivity
	}
	if info.LastActivity.IsZero() {
		info.LastActivity = time.Now()
	}
	p.registry.Put(info)
}

// adoptAndPut stores a container discovered from the daemon, keeping any
// activity already recorded. Containers the registry has never seen keep a
// zero LastActivity so idle decisions fall back to the session record and
// the container's creation time; stamping the moment of observation would
// reset the idle clock on every restart.
func (p *Provider) adoptAndPut(info *container.Info) {
	if prev := p.registry.Get(info.SessionID, info.Flavor); prev != nil {
		info.LastActivity = prev.LastActivity
	}
	p.registry.Put(info)
}

// Start starts the session's container of the given flavor if one exists.
// Returns false when there is no container, which callers treat as a normal
// condition rather than an error.
func (p *Provider) Start(ctx context.Context, sessionID string, flavor container.Flavor) (bool, error) {
	containerID, err := p.lookupContainerID(ctx, sessionID, flavor)
	if err != nil {
		if err == container.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	if err := p.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID, flavor)
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", container.ErrStartFailed, err)
	}

	if _, err := p.verifyStarted(ctx, containerID, sessionID, flavor); err != nil {
		return false, err
	}
	return true, nil
}

// Stop stops the session's container with the configured grace period.
// The container and its volume are kept; only the process tree dies.
// Returns false when there is no container.
func (p *Provider) Stop(ctx context.Context, sessionID string, flavor container.Flavor) (bool, error) {
	containerID, err := p.lookupContainerID(ctx, sessionID, flavor)
	if err != nil {
		if err == container.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	graceSeconds := int(p.cfg.StopGrace.Seconds())
	err = p.client.ContainerStop(ctx, containerID, containerTypes.StopOptions{Timeout: &graceSeconds})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID, flavor)
			return false, nil
		}
		return false, fmt.Errorf("failed to stop container: %w", err)
	}

	if info, err := p.Get(ctx, sessionID, flavor); err == nil {
		p.registry.Put(info)
	}
	return true, nil
}

// Get returns the current state of the session's container, reconciling the
// cache and registry with the daemon.
func (p *Provider) Get(ctx context.Context, sessionID string, flavor container.Flavor) (*container.Info, error) {
	containerID, err := p.lookupContainerID(ctx, sessionID, flavor)
	if err != nil {
		return nil, err
	}

	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID, flavor)
			return nil, container.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := p.infoFromInspect(inspect)
	p.touchAndPut(info)
	return info, nil
}

// List returns all containers carrying the app label, including stopped
// ones, and repopulates the ID cache, the port allocator and the registry.
// This is the recovery path after a server restart.
func (p *Provider) List(ctx context.Context) ([]*container.Info, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", container.LabelApp, container.LabelAppValue)),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrDaemonUnavailable, err)
	}

	result := make([]*container.Info, 0, len(containers))
	for _, c := range containers {
		sessionID := c.Labels[container.LabelSessionID]
		flavor := container.Flavor(c.Labels[container.LabelFlavor])
		if sessionID == "" || flavor == "" {
			continue
		}

		inspect, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue // Deleted between list and inspect
		}

		info := p.infoFromInspect(inspect)
		p.cacheContainerID(sessionID, flavor, info.ID)
		if info.HostPort != 0 {
			p.ports.MarkUsed(info.HostPort)
		}
		p.adoptAndPut(info)
		result = append(result, info)
	}

	return result, nil
}

// Remove force-removes the session's container of the given flavor. The
// workspace volume is untouched; RemoveVolume handles volume deletion
// separately.
func (p *Provider) Remove(ctx context.Context, sessionID string, flavor container.Flavor) error {
	containerID, err := p.lookupContainerID(ctx, sessionID, flavor)
	if err != nil {
		if err == container.ErrNotFound {
			return nil
		}
		return err
	}

	if info := p.registry.Get(sessionID, flavor); info != nil && info.HostPort != 0 {
		p.ports.Release(info.HostPort)
	}

	err = p.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	p.clearContainerID(sessionID, flavor)
	return nil
}

package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/vibecode-dev/vibecode/internal/container"
)

// Exec runs a non-interactive command in the session's container. Stdout and
// stderr arrive on one multiplexed stream from the daemon and are separated
// with stdcopy. Timing covers the full round trip as the caller saw it.
func (p *Provider) Exec(ctx context.Context, sessionID string, flavor container.Flavor, cmd []string, opts container.ExecOptions) (*container.ExecResult, error) {
	containerID, err := p.lookupContainerID(ctx, sessionID, flavor)
	if err != nil {
		return nil, err
	}

	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrExecFailed, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, container.ErrNotRunning
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = container.WorkspacePath
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		WorkingDir:   workDir,
	}

	started := time.Now()

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrExecFailed, err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrExecFailed, err)
	}
	defer resp.Close()

	// Read stdout and stderr
	var stdout, stderr bytes.Buffer
	if _, err = stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrExecFailed, err)
	}

	// Get exit code
	execInspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrExecFailed, err)
	}

	finished := time.Now()

	if info := p.registry.Get(sessionID, flavor); info != nil {
		info.LastActivity = finished
		p.registry.Put(info)
	}

	return &container.ExecResult{
		Command:    strings.Join(cmd, " "),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   execInspect.ExitCode,
		StartedAt:  started.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
		DurationMS: finished.Sub(started).Milliseconds(),
	}, nil
}

// Attach creates an interactive PTY session in the container.
func (p *Provider) Attach(ctx context.Context, sessionID string, flavor container.Flavor, opts container.AttachOptions) (container.PTY, error) {
	containerID, err := p.lookupContainerID(ctx, sessionID, flavor)
	if err != nil {
		return nil, err
	}

	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrAttachFailed, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, container.ErrNotRunning
	}

	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = p.detectShell(ctx, containerID)
	}

	env := []string{"TERM=xterm-256color"}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          env,
		WorkingDir:   container.WorkspacePath,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrAttachFailed, err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{
		Tty: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", container.ErrAttachFailed, err)
	}

	// Size the terminal up front if dimensions are known
	if opts.Rows > 0 && opts.Cols > 0 {
		_ = p.client.ContainerExecResize(ctx, execCreate.ID, containerTypes.ResizeOptions{
			Height: uint(opts.Rows),
			Width:  uint(opts.Cols),
		})
	}

	return &dockerPTY{
		client:   p.client,
		execID:   execCreate.ID,
		hijacked: resp,
	}, nil
}

// detectShell determines the best available shell in the container,
// trying /bin/bash before falling back to /bin/sh.
func (p *Provider) detectShell(ctx context.Context, containerID string) []string {
	detectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if p.binaryExists(detectCtx, containerID, "/bin/bash") {
		return []string{"/bin/bash"}
	}
	return []string{"/bin/sh"}
}

// binaryExists checks if a binary exists and is executable in the container.
func (p *Provider) binaryExists(ctx context.Context, containerID, path string) bool {
	execConfig := containerTypes.ExecOptions{
		Cmd:          []string{"test", "-x", path},
		AttachStdout: true,
		AttachStderr: true,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return false
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return false
	}
	defer resp.Close()

	_, _ = io.Copy(io.Discard, resp.Reader)

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return false
	}
	return inspect.ExitCode == 0
}

// dockerPTY implements container.PTY for Docker exec sessions.
type dockerPTY struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (p *dockerPTY) Read(b []byte) (int, error) {
	return p.hijacked.Reader.Read(b)
}

func (p *dockerPTY) Write(b []byte) (int, error) {
	return p.hijacked.Conn.Write(b)
}

func (p *dockerPTY) Resize(ctx context.Context, rows, cols int) error {
	return p.client.ContainerExecResize(ctx, p.execID, containerTypes.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (p *dockerPTY) Close() error {
	p.closeOnce.Do(func() {
		p.hijacked.Close()
	})
	return nil
}

func (p *dockerPTY) Wait(ctx context.Context) (int, error) {
	// Wait for the exec to finish by polling
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := p.client.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				return -1, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}

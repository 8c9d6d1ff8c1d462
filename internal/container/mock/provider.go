// Package mock provides an in-memory implementation of container.Runtime
// for testing.
package mock

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vibecode-dev/vibecode/internal/container"
)

// Provider is a mock runtime for testing. Every operation can be overridden
// with a Func field; the default behavior keeps plausible in-memory state.
type Provider struct {
	mu         sync.RWMutex
	containers map[key]*container.Info
	volumes    map[string]map[string]string
	nextPort   int

	CreateOrReuseFunc func(ctx context.Context, sessionID, userID string, flavor container.Flavor) (*container.Info, error)
	StartFunc         func(ctx context.Context, sessionID string, flavor container.Flavor) (bool, error)
	StopFunc          func(ctx context.Context, sessionID string, flavor container.Flavor) (bool, error)
	GetFunc           func(ctx context.Context, sessionID string, flavor container.Flavor) (*container.Info, error)
	ListFunc          func(ctx context.Context) ([]*container.Info, error)
	RemoveFunc        func(ctx context.Context, sessionID string, flavor container.Flavor) error
	ExecFunc          func(ctx context.Context, sessionID string, flavor container.Flavor, cmd []string, opts container.ExecOptions) (*container.ExecResult, error)
	AttachFunc        func(ctx context.Context, sessionID string, flavor container.Flavor, opts container.AttachOptions) (container.PTY, error)
}

type key struct {
	sessionID string
	flavor    container.Flavor
}

// NewProvider creates a mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{
		containers: make(map[key]*container.Info),
		volumes:    make(map[string]map[string]string),
		nextPort:   40000,
	}
}

func (p *Provider) EnsureVolume(_ context.Context, name string, labels map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.volumes[name]; !exists {
		p.volumes[name] = labels
	}
	return nil
}

func (p *Provider) RemoveVolume(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.volumes, name)
	return nil
}

// HasVolume reports whether a volume exists. Test helper.
func (p *Provider) HasVolume(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.volumes[name]
	return ok
}

func (p *Provider) PullImage(_ context.Context, image string) (string, error) {
	return image, nil
}

func (p *Provider) CreateOrReuse(ctx context.Context, sessionID, userID string, flavor container.Flavor) (*container.Info, error) {
	if p.CreateOrReuseFunc != nil {
		return p.CreateOrReuseFunc(ctx, sessionID, userID, flavor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{sessionID, flavor}
	if info, exists := p.containers[k]; exists {
		info.Status = container.StatusRunning
		return copyInfo(info), nil
	}

	volName := container.VolumeName(userID, sessionID)
	if _, exists := p.volumes[volName]; !exists {
		p.volumes[volName] = map[string]string{container.LabelSessionID: sessionID}
	}

	info := &container.Info{
		ID:           "mock-" + sessionID + "-" + string(flavor),
		Name:         container.Name(userID, sessionID, flavor),
		SessionID:    sessionID,
		UserID:       userID,
		VolumeName:   volName,
		Flavor:       flavor,
		Status:       container.StatusRunning,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if flavor == container.FlavorIDE {
		info.InternalPort = 8443
		info.HostPort = p.nextPort
		p.nextPort++
	}
	p.containers[k] = info
	return copyInfo(info), nil
}

func (p *Provider) Start(ctx context.Context, sessionID string, flavor container.Flavor) (bool, error) {
	if p.StartFunc != nil {
		return p.StartFunc(ctx, sessionID, flavor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.containers[key{sessionID, flavor}]
	if !exists {
		return false, nil
	}
	info.Status = container.StatusRunning
	return true, nil
}

func (p *Provider) Stop(ctx context.Context, sessionID string, flavor container.Flavor) (bool, error) {
	if p.StopFunc != nil {
		return p.StopFunc(ctx, sessionID, flavor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.containers[key{sessionID, flavor}]
	if !exists {
		return false, nil
	}
	info.Status = container.StatusStopped
	return true, nil
}

func (p *Provider) Get(ctx context.Context, sessionID string, flavor container.Flavor) (*container.Info, error) {
	if p.GetFunc != nil {
		return p.GetFunc(ctx, sessionID, flavor)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	info, exists := p.containers[key{sessionID, flavor}]
	if !exists {
		return nil, container.ErrNotFound
	}
	return copyInfo(info), nil
}

func (p *Provider) List(ctx context.Context) ([]*container.Info, error) {
	if p.ListFunc != nil {
		return p.ListFunc(ctx)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*container.Info, 0, len(p.containers))
	for _, info := range p.containers {
		result = append(result, copyInfo(info))
	}
	return result, nil
}

func (p *Provider) Remove(ctx context.Context, sessionID string, flavor container.Flavor) error {
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, sessionID, flavor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.containers, key{sessionID, flavor})
	return nil
}

func (p *Provider) Exec(ctx context.Context, sessionID string, flavor container.Flavor, cmd []string, opts container.ExecOptions) (*container.ExecResult, error) {
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sessionID, flavor, cmd, opts)
	}

	p.mu.RLock()
	info, exists := p.containers[key{sessionID, flavor}]
	p.mu.RUnlock()

	if !exists {
		return nil, container.ErrNotFound
	}
	if info.Status != container.StatusRunning {
		return nil, container.ErrNotRunning
	}

	// Echo behaves like the real thing so readiness probes see sensible output
	stdout := "mock output\n"
	if len(cmd) > 0 && cmd[0] == "echo" {
		stdout = strings.Join(cmd[1:], " ") + "\n"
	}

	now := time.Now()
	return &container.ExecResult{
		Command:    strings.Join(cmd, " "),
		Stdout:     stdout,
		ExitCode:   0,
		StartedAt:  now.UnixMilli(),
		FinishedAt: now.UnixMilli(),
	}, nil
}

func (p *Provider) Attach(ctx context.Context, sessionID string, flavor container.Flavor, opts container.AttachOptions) (container.PTY, error) {
	if p.AttachFunc != nil {
		return p.AttachFunc(ctx, sessionID, flavor, opts)
	}

	p.mu.RLock()
	info, exists := p.containers[key{sessionID, flavor}]
	p.mu.RUnlock()

	if !exists {
		return nil, container.ErrNotFound
	}
	if info.Status != container.StatusRunning {
		return nil, container.ErrNotRunning
	}
	return &PTY{}, nil
}

// SetStatus forcibly changes a container's status. Test helper.
func (p *Provider) SetStatus(sessionID string, flavor container.Flavor, status container.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, exists := p.containers[key{sessionID, flavor}]; exists {
		info.Status = status
	}
}

func copyInfo(info *container.Info) *container.Info {
	c := *info
	return &c
}

// PTY is a mock PTY for testing. Writes are echoed back to reads.
type PTY struct {
	InputBuffer  []byte
	OutputBuffer []byte
	Closed       bool
	ResizeCalls  []struct{ Rows, Cols int }
	mu           sync.Mutex
}

func (p *PTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, io.EOF
	}

	if len(p.OutputBuffer) == 0 {
		// Simulate a shell prompt
		p.OutputBuffer = []byte("$ ")
	}

	n := copy(b, p.OutputBuffer)
	p.OutputBuffer = p.OutputBuffer[n:]
	return n, nil
}

func (p *PTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, io.ErrClosedPipe
	}

	p.InputBuffer = append(p.InputBuffer, b...)
	// Echo input to output
	p.OutputBuffer = append(p.OutputBuffer, b...)
	return len(b), nil
}

func (p *PTY) Resize(_ context.Context, rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ResizeCalls = append(p.ResizeCalls, struct{ Rows, Cols int }{rows, cols})
	return nil
}

func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Closed = true
	return nil
}

func (p *PTY) Wait(_ context.Context) (int, error) {
	return 0, nil
}

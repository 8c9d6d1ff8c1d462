package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/container"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func errorResponse(status int, message string) (*http.Response, error) {
	return jsonResponse(status, map[string]string{"message": message})
}

// newFakeDaemonProvider builds a Provider whose Docker client talks to the
// given handler instead of a real daemon.
func newFakeDaemonProvider(t *testing.T, cfg *config.Config, handler roundTripFunc) *Provider {
	t.Helper()

	cli, err := client.NewClientWithOpts(
		client.WithHTTPClient(&http.Client{Transport: handler}),
	)
	require.NoError(t, err)

	return &Provider{
		client:       cli,
		cfg:          cfg,
		registry:     container.NewRegistry(),
		logger:       slog.Default(),
		containerIDs: make(map[cacheKey]string),
		ports:        newPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
	}
}

// TestCreateOrReuseConflictStartsWinner simulates losing the create race on
// the published path: the name conflict must resolve to the winner's
// container and start it if the winner has not gotten that far yet.
func TestCreateOrReuseConflictStartsWinner(t *testing.T) {
	cfg := &config.Config{
		IDEImage:        "codercom/code-server:latest",
		IDEInternalPort: 8443,
		PublishHostPort: true,
		PortRangeStart:  40000,
		PortRangeEnd:    40001,
	}

	name := container.Name("u1", "s1", container.FlavorIDE)
	labels := map[string]string{
		container.LabelApp:          container.LabelAppValue,
		container.LabelSessionID:    "s1",
		container.LabelUserID:       "u1",
		container.LabelVolume:       container.VolumeName("u1", "s1"),
		container.LabelFlavor:       string(container.FlavorIDE),
		container.LabelInternalPort: "8443",
	}

	inspectBody := func(state map[string]any, ports map[string]any) map[string]any {
		return map[string]any{
			"Id":              "winner-id",
			"Name":            "/" + name,
			"Created":         time.Now().UTC().Format(time.RFC3339Nano),
			"State":           state,
			"Config":          map[string]any{"Labels": labels},
			"NetworkSettings": map[string]any{"Ports": ports},
		}
	}
	createdState := map[string]any{
		"Status": "created", "Running": false, "ExitCode": 0,
		"FinishedAt": "0001-01-01T00:00:00Z",
	}
	runningState := map[string]any{"Status": "running", "Running": true}
	publishedPorts := map[string]any{
		"8443/tcp": []map[string]string{{"HostIp": "127.0.0.1", "HostPort": "40000"}},
	}

	nameInspects := 0
	startCalls := 0
	handler := func(r *http.Request) (*http.Response, error) {
		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && strings.Contains(path, "/containers/"+name+"/json"):
			nameInspects++
			if nameInspects == 1 {
				return errorResponse(http.StatusNotFound, "No such container: "+name)
			}
			// The race loser's retry finds the winner's container
			return jsonResponse(http.StatusOK, inspectBody(createdState, map[string]any{}))
		case r.Method == http.MethodGet && strings.Contains(path, "/containers/winner-id/json"):
			return jsonResponse(http.StatusOK, inspectBody(runningState, publishedPorts))
		case r.Method == http.MethodPost && strings.Contains(path, "/volumes/create"):
			return jsonResponse(http.StatusCreated, map[string]any{
				"Name": container.VolumeName("u1", "s1"), "Driver": "local", "Scope": "local",
			})
		case r.Method == http.MethodGet && strings.Contains(path, "/images/"):
			return jsonResponse(http.StatusOK, map[string]any{"Id": "sha256:abc"})
		case r.Method == http.MethodPost && strings.Contains(path, "/containers/create"):
			return errorResponse(http.StatusConflict,
				"Conflict. The container name \"/"+name+"\" is already in use")
		case r.Method == http.MethodPost && strings.Contains(path, "/containers/winner-id/start"):
			startCalls++
			return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody}, nil
		}
		return errorResponse(http.StatusInternalServerError, "unexpected request "+r.Method+" "+path)
	}

	p := newFakeDaemonProvider(t, cfg, handler)

	info, err := p.CreateOrReuse(context.Background(), "s1", "u1", container.FlavorIDE)
	require.NoError(t, err)
	assert.Equal(t, "winner-id", info.ID)
	assert.Equal(t, container.StatusRunning, info.Status)
	assert.Equal(t, 40000, info.HostPort)
	assert.Equal(t, 1, startCalls, "the winner's created container should be started")
}

func TestAdoptLeavesIdleClockUntouched(t *testing.T) {
	p := &Provider{registry: container.NewRegistry()}

	// A container found on the daemon after a restart carries no activity.
	// Adoption must not stamp the moment of observation, or an idle
	// container would survive a full extra timeout after every restart.
	p.adoptAndPut(&container.Info{
		SessionID: "s1",
		UserID:    "u1",
		Flavor:    container.FlavorIDE,
		Status:    container.StatusRunning,
		CreatedAt: time.Now().Add(-72 * time.Hour),
	})

	got := p.registry.Get("s1", container.FlavorIDE)
	require.NotNil(t, got)
	assert.True(t, got.LastActivity.IsZero())
}

func TestAdoptPreservesRecordedActivity(t *testing.T) {
	p := &Provider{registry: container.NewRegistry()}

	recorded := time.Now().Add(-10 * time.Minute)
	p.registry.Put(&container.Info{
		SessionID:    "s1",
		Flavor:       container.FlavorIDE,
		Status:       container.StatusRunning,
		LastActivity: recorded,
	})

	p.adoptAndPut(&container.Info{
		SessionID: "s1",
		Flavor:    container.FlavorIDE,
		Status:    container.StatusStopped,
	})

	got := p.registry.Get("s1", container.FlavorIDE)
	require.NotNil(t, got)
	assert.Equal(t, container.StatusStopped, got.Status)
	assert.True(t, got.LastActivity.Equal(recorded))
}

func TestTouchAndPutStampsNewContainers(t *testing.T) {
	p := &Provider{registry: container.NewRegistry()}

	before := time.Now()
	p.touchAndPut(&container.Info{
		SessionID: "s1",
		Flavor:    container.FlavorIDE,
		Status:    container.StatusRunning,
	})

	got := p.registry.Get("s1", container.FlavorIDE)
	require.NotNil(t, got)
	assert.False(t, got.LastActivity.Before(before))
}

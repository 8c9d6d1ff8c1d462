package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFlavorsAreIndependent(t *testing.T) {
	r := NewRegistry()

	ide := &Info{SessionID: "s1", UserID: "u1", Flavor: FlavorIDE, ID: "ide-id"}
	runner := &Info{SessionID: "s1", UserID: "u1", Flavor: FlavorRunner, ID: "runner-id"}
	r.Put(ide)
	r.Put(runner)

	got := r.Get("s1", FlavorIDE)
	require.NotNil(t, got)
	assert.Equal(t, "ide-id", got.ID)

	got = r.Get("s1", FlavorRunner)
	require.NotNil(t, got)
	assert.Equal(t, "runner-id", got.ID)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE, Status: StatusRunning})

	got := r.Get("s1", FlavorIDE)
	require.NotNil(t, got)
	got.Status = StatusStopped

	// Mutating the returned value must not affect the cached entry.
	again := r.Get("s1", FlavorIDE)
	require.NotNil(t, again)
	assert.Equal(t, StatusRunning, again.Status)
}

func TestRegistryDeleteAndMiss(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("absent", FlavorIDE))

	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE})
	r.Delete("s1", FlavorIDE)
	assert.Nil(t, r.Get("s1", FlavorIDE))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryPutOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE, Status: StatusCreated})
	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE, Status: StatusRunning})

	got := r.Get("s1", FlavorIDE)
	require.NotNil(t, got)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry()
	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE})
	r.Put(&Info{SessionID: "s1", Flavor: FlavorRunner})

	now := time.Now()
	r.Touch("s1", now)

	for _, flavor := range []Flavor{FlavorIDE, FlavorRunner} {
		got := r.Get("s1", flavor)
		require.NotNil(t, got)
		assert.True(t, got.LastActivity.Equal(now))
	}

	// Touching an unknown session is a no-op.
	r.Touch("absent", now)
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE, Status: StatusRunning})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Status = StatusFailed

	got := r.Get("s1", FlavorIDE)
	require.NotNil(t, got)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Put(&Info{SessionID: "s1", Flavor: FlavorIDE})
	r.Put(&Info{SessionID: "s2", Flavor: FlavorRunner})
	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestDeterministicNames(t *testing.T) {
	assert.Equal(t, "vibecode-ide-u1-s1", Name("u1", "s1", FlavorIDE))
	assert.Equal(t, "vibecode-runner-u1-s1", Name("u1", "s1", FlavorRunner))
	assert.Equal(t, "vibecode-ws-u1-s1", VolumeName("u1", "s1"))
}

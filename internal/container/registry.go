package container

import (
	"sync"
	"time"
)

type registryKey struct {
	sessionID string
	flavor    Flavor
}

// Registry is the in-memory cache of tracked containers, keyed by
// (session, flavor). IDE and runner entries are independent namespaces: a
// lookup for one never returns the other.
//
// The registry is a non-owning lookup-acceleration structure — the Docker
// daemon remains the source of truth. Entries follow last-writer-wins;
// staleness is self-healing because the runtime's miss path reconciles with
// the daemon by name and labels, and its hit path evicts entries the daemon
// no longer knows about.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]*Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]*Info)}
}

// Get returns the cached entry for a session and flavor, or nil.
func (r *Registry) Get(sessionID string, flavor Flavor) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.entries[registryKey{sessionID, flavor}]; ok {
		cp := *info
		return &cp
	}
	return nil
}

// Put inserts or overwrites the cache entry. Called after every
// create/start/stop transition.
func (r *Registry) Put(info *Info) {
	if info == nil {
		return
	}
	cp := *info
	r.mu.Lock()
	r.entries[registryKey{info.SessionID, info.Flavor}] = &cp
	r.mu.Unlock()
}

// Delete evicts a stale entry, typically after the daemon reports the
// container gone.
func (r *Registry) Delete(sessionID string, flavor Flavor) {
	r.mu.Lock()
	delete(r.entries, registryKey{sessionID, flavor})
	r.mu.Unlock()
}

// Touch updates the last-activity timestamp for both flavors of a session,
// if present. Missing entries are ignored.
func (r *Registry) Touch(sessionID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, flavor := range []Flavor{FlavorIDE, FlavorRunner} {
		if info, ok := r.entries[registryKey{sessionID, flavor}]; ok {
			info.LastActivity = now
		}
	}
}

// Snapshot returns a copy of all entries. Used by the inactivity sweep.
func (r *Registry) Snapshot() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Info, 0, len(r.entries))
	for _, info := range r.entries {
		cp := *info
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of cached entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear drops every entry. Only used by tests simulating process restarts.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[registryKey]*Info)
	r.mu.Unlock()
}

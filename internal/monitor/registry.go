// Package monitor holds the in-memory set of monitors tracked by the running
// process. The scheduling engine owns its contents; the server only reads it
// and hands it on.
package monitor

import (
	"sort"
	"sync"

	"monitorhub/internal/models"
)

type Registry struct {
	mu       sync.RWMutex
	monitors map[string]models.Monitor
}

func NewRegistry() *Registry {
	return &Registry{monitors: make(map[string]models.Monitor)}
}

// Track adds or replaces a monitor keyed by its id.
func (r *Registry) Track(m models.Monitor) {
	if m.ID == "" {
		return
	}
	r.mu.Lock()
	r.monitors[m.ID] = m
	r.mu.Unlock()
}

// Untrack removes id and reports whether it was present.
func (r *Registry) Untrack(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.monitors[id]
	delete(r.monitors, id)
	return ok
}

func (r *Registry) Get(id string) (models.Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[id]
	return m, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors)
}

// Owners returns the distinct user ids with at least one tracked monitor.
func (r *Registry) Owners() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, m := range r.monitors {
		seen[m.UserID] = struct{}{}
	}
	r.mu.RUnlock()
	owners := make([]string, 0, len(seen))
	for id := range seen {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners
}

// Snapshot copies the tracked monitors in list order.
func (r *Registry) Snapshot() []models.Monitor {
	r.mu.RLock()
	out := make([]models.Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	return out
}

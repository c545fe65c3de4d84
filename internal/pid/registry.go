// v0
// internal/pid/registry.go
package pid

import (
	"sort"
	"sync"
	"time"

	"nrgchamp/growcontrol/internal/models"
)

// Key identifies one controller instance.
type Key struct {
	ZoneID int64
	Type   models.CorrectionType
}

// Entry is a controller plus the bookkeeping the correction loop keeps for it.
type Entry struct {
	Controller *Controller
	// Tuning is the config last applied from the config source, setpoint aside.
	Tuning   Config
	LastTick time.Time
	Ticks    int
}

// View is a copy of a controller published after each tick. It can be read
// while the owning zone task keeps computing.
type View struct {
	Type      models.CorrectionType `json:"type"`
	Setpoint  float64               `json:"setpoint"`
	Band      Band                  `json:"zone"`
	Output    float64               `json:"output"`
	Integral  float64               `json:"integral"`
	Emergency bool                  `json:"emergency"`
	Stats     Stats                 `json:"stats"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Registry owns every live controller. Instances are created on first use and
// removed only through Evict, after their state has been flushed.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	views   map[Key]View
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*Entry), views: make(map[Key]View)}
}

// Publish stores the latest view of a tracked controller.
func (r *Registry) Publish(key Key, v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		r.views[key] = v
	}
}

// Views returns the published views of a zone ordered by type.
func (r *Registry) Views(zoneID int64) []View {
	r.mu.Lock()
	out := make([]View, 0, 2)
	for k, v := range r.views {
		if k.ZoneID == zoneID {
			out = append(out, v)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// GetOrCreate returns the entry for key, building it with build when absent.
// The boolean reports whether the entry was created by this call.
func (r *Registry) GetOrCreate(key Key, build func() *Controller) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e, false
	}
	e := &Entry{Controller: build()}
	r.entries[key] = e
	return e, true
}

// Get returns the entry for key if present.
func (r *Registry) Get(key Key) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// Keys returns all tracked keys ordered by zone then type.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ZoneID != keys[j].ZoneID {
			return keys[i].ZoneID < keys[j].ZoneID
		}
		return keys[i].Type < keys[j].Type
	})
	return keys
}

// ZoneIDs returns the distinct zones with at least one controller.
func (r *Registry) ZoneIDs() []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, k := range r.Keys() {
		if _, ok := seen[k.ZoneID]; ok {
			continue
		}
		seen[k.ZoneID] = struct{}{}
		out = append(out, k.ZoneID)
	}
	return out
}

// ForZone returns the entries belonging to a zone.
func (r *Registry) ForZone(zoneID int64) map[models.CorrectionType]*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[models.CorrectionType]*Entry{}
	for k, e := range r.entries {
		if k.ZoneID == zoneID {
			out[k.Type] = e
		}
	}
	return out
}

// Evict drops every controller of a zone and returns the removed keys.
func (r *Registry) Evict(zoneID int64) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Key
	for k := range r.entries {
		if k.ZoneID == zoneID {
			delete(r.entries, k)
			delete(r.views, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// Remove drops a single controller.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	delete(r.views, key)
	return ok
}

// Len returns the number of tracked controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

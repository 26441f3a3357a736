package irrigation

import (
	"slices"
	"sort"
	"sync"
)

// Registry records which schedules currently hold each valve open.
type Registry struct {
	mu      sync.Mutex
	running map[string][]int64
}

func NewRegistry() *Registry {
	return &Registry{running: map[string][]int64{}}
}

// MarkRunning adds scheduleID to entity's holders. Adding twice is a no-op.
func (r *Registry) MarkRunning(entity string, scheduleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.running[entity], scheduleID) {
		return
	}
	r.running[entity] = append(r.running[entity], scheduleID)
}

// MarkStopped removes scheduleID from entity's holders. Absent entries are ignored.
func (r *Registry) MarkStopped(entity string, scheduleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.running[entity]
	if !ok {
		return
	}
	i := slices.Index(ids, scheduleID)
	if i < 0 {
		return
	}
	ids = slices.Delete(ids, i, i+1)
	if len(ids) == 0 {
		delete(r.running, entity)
		return
	}
	r.running[entity] = ids
}

// Holders returns the schedules other than scheduleID holding entity open.
func (r *Registry) Holders(entity string, scheduleID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, id := range r.running[entity] {
		if id != scheduleID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) IsRunning(entity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running[entity]) > 0
}

// Snapshot returns a copy of entity -> schedule IDs.
func (r *Registry) Snapshot() map[string][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]int64, len(r.running))
	for k, v := range r.running {
		out[k] = slices.Clone(v)
	}
	return out
}

// Len is the number of valves currently held open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Entities lists running valves, sorted.
func (r *Registry) Entities() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.running))
	for k := range r.running {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

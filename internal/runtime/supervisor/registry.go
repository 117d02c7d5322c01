package supervisor

import (
	"sort"
	"sync"
)

// Registry tracks the supervisors of long-lived subsystems for health
// reporting. Entries are lookups rather than pointers because most
// subsystems only create their supervisor when started.
type Registry struct {
	mu sync.RWMutex
	m  map[string]func() *Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]func() *Supervisor{}}
}

// Set registers (or replaces) the lookup for name. A nil lookup deletes.
func (r *Registry) Set(name string, get func() *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if get == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = get
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Named is one subsystem's supervisor state.
type Named struct {
	Name string
	Snapshot
}

// Snapshot reports every registered subsystem that is currently running,
// sorted by name.
func (r *Registry) Snapshot() []Named {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	gets := make(map[string]func() *Supervisor, len(r.m))
	for k, v := range r.m {
		gets[k] = v
	}
	r.mu.RUnlock()

	out := make([]Named, 0, len(gets))
	for name, get := range gets {
		sup := get()
		if sup == nil {
			continue
		}
		out = append(out, Named{Name: name, Snapshot: sup.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

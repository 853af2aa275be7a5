package supervisor

import (
	"sort"
	"sync"
)

// Registry names the supervisors of running subsystems (app, adapter, router) for
// health reporting.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers or replaces sup under name. A nil sup deletes the entry.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Report is one subsystem's task view.
type Report struct {
	Name  string      `json:"name"`
	Err   string      `json:"err,omitempty"`
	Tasks []TaskStats `json:"tasks"`
}

// Snapshot reports every registered supervisor, sorted by name.
func (r *Registry) Snapshot() []Report {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Report, 0, len(r.m))
	for name, sup := range r.m {
		rep := Report{Name: name, Tasks: sup.Snapshot()}
		if err := sup.Err(); err != nil {
			rep.Err = err.Error()
		}
		out = append(out, rep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

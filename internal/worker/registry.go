package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aristath/taskrt/internal/errs"
)

// Registry indexes the running worker groups of a process. Groups add
// themselves when they start and are removed once they stop.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Group
	byName map[string]*Group
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Group),
		byName: make(map[string]*Group),
	}
}

func (r *Registry) add(g *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[g.name]; ok {
		return fmt.Errorf("group %q: %w", g.name, errs.ErrAlreadyExists)
	}
	r.byID[g.id] = g
	r.byName[g.name] = g
	return nil
}

func (r *Registry) remove(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, g.id)
	if r.byName[g.name] == g {
		delete(r.byName, g.name)
	}
}

// Lookup returns the group with the given id.
func (r *Registry) Lookup(id uuid.UUID) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, errs.ErrNotFound)
	}
	return g, nil
}

// ByName returns the group with the given name.
func (r *Registry) ByName(name string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, errs.ErrNotFound)
	}
	return g, nil
}

// Groups lists the queryable groups sorted by name.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.byName))
	for _, g := range r.byName {
		if g.Queryable() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

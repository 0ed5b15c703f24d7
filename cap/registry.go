package cap

import (
	"sync"

	"github.com/parentkit/parent/internal/c"
)

// Registry is the optional external lookup table described in
// specification §5's "shared resources": written only by the owning
// Parent, safe for concurrent read from any other goroutine. Configuring
// one via WithRegistry lets read-only queries bypass the parent's inbox
// entirely, at the cost of a lagging (but never torn) view.
type Registry interface {
	Set(id string, handle c.Handle, meta any)
	Delete(id string)
	Lookup(id string) (handle c.Handle, meta any, ok bool)
}

type registryEntry struct {
	handle c.Handle
	meta   any
}

// mapRegistry is a sync.RWMutex-guarded map: the default Registry.
type mapRegistry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewMapRegistry builds the default in-memory Registry.
func NewMapRegistry() Registry {
	return &mapRegistry{entries: make(map[string]registryEntry)}
}

func (r *mapRegistry) Set(id string, handle c.Handle, meta any) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = registryEntry{handle: handle, meta: meta}
}

func (r *mapRegistry) Delete(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *mapRegistry) Lookup(id string) (c.Handle, any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, nil, false
	}
	return e.handle, e.meta, true
}

// syncRegistry pushes rec's (id, handle, meta) into the configured external
// Registry, if any. Called by the Parent after every Register/ReRegister.
func (p *Parent) syncRegistrySet(rec *c.Child) {
	if p.registry == nil || rec.Spec.ID == "" {
		return
	}
	p.registry.Set(rec.Spec.ID, rec.Handle, rec.Spec.Meta)
}

func (p *Parent) syncRegistryDelete(id string) {
	if p.registry == nil || id == "" {
		return
	}
	p.registry.Delete(id)
}

package grid

import "sync"

// Registry hands out at most one live Store per formulaID. Stores are
// created lazily on first Acquire and closed when the last holder releases
// them.
type Registry struct {
	mu       sync.Mutex
	defaults StoreOptions
	onCreate func(*Store)
	entries  map[string]*registryEntry
}

type registryEntry struct {
	store *Store
	refs  int
}

type RegistryOptions struct {
	StoreDefaults StoreOptions
	// OnCreate runs once per freshly created store, before it is handed out.
	OnCreate func(*Store)
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		defaults: opts.StoreDefaults,
		onCreate: opts.OnCreate,
		entries:  map[string]*registryEntry{},
	}
}

// Acquire returns the store for formulaID, creating it if absent. Each
// Acquire must be paired with one Release.
func (r *Registry) Acquire(formulaID string) *Store {
	r.mu.Lock()
	entry, ok := r.entries[formulaID]
	if ok {
		entry.refs++
		r.mu.Unlock()
		return entry.store
	}
	entry = &registryEntry{store: NewStore(formulaID, r.defaults), refs: 1}
	r.entries[formulaID] = entry
	onCreate := r.onCreate
	r.mu.Unlock()
	if onCreate != nil {
		onCreate(entry.store)
	}
	return entry.store
}

// Release drops one reference; the store is closed and discarded when no
// collaborator references it anymore.
func (r *Registry) Release(formulaID string) {
	r.mu.Lock()
	entry, ok := r.entries[formulaID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, formulaID)
	r.mu.Unlock()
	entry.store.Close()
}

// Len reports the number of live stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

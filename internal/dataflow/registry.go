package dataflow

import (
	"fmt"
	"sync"

	"github.com/formulapad/cellsync/internal/grid"
	"github.com/formulapad/cellsync/internal/snapshotstore"
)

// Registry holds one Manager per logical document key, constructed lazily
// and disposed together with its store when the owning views let go. This
// keeps "one coordinator per document" without process-wide mutable state.
type Registry struct {
	mu       sync.Mutex
	stores   *grid.Registry
	managers map[string]*managerEntry
	opts     RegistryOptions
}

type managerEntry struct {
	manager *Manager
	refs    int
}

type RegistryOptions struct {
	Stores     *grid.Registry
	Snapshots  snapshotstore.Store
	URLWriter  URLWriter
	Resolver   ConflictResolver
	TokenParam string
	Logger     Logger
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Stores == nil {
		return nil, fmt.Errorf("store registry is required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	return &Registry{
		stores:   opts.Stores,
		managers: map[string]*managerEntry{},
		opts:     opts,
	}, nil
}

// Acquire returns the manager for formulaID, creating the manager and its
// backing store if needed. Pair every Acquire with one Release.
func (r *Registry) Acquire(formulaID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.managers[formulaID]; ok {
		entry.refs++
		return entry.manager, nil
	}
	store := r.stores.Acquire(formulaID)
	manager, err := NewManager(formulaID, ManagerOptions{
		Store:      store,
		Snapshots:  r.opts.Snapshots,
		URLWriter:  r.opts.URLWriter,
		Resolver:   r.opts.Resolver,
		TokenParam: r.opts.TokenParam,
		Logger:     r.opts.Logger,
	})
	if err != nil {
		r.stores.Release(formulaID)
		return nil, err
	}
	r.managers[formulaID] = &managerEntry{manager: manager, refs: 1}
	return manager, nil
}

// Release drops one reference; on the last one the manager is disposed and
// the store released back to its registry.
func (r *Registry) Release(formulaID string) {
	r.mu.Lock()
	entry, ok := r.managers[formulaID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.managers, formulaID)
	r.mu.Unlock()
	entry.manager.Dispose()
	r.stores.Release(formulaID)
}

// Len reports the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

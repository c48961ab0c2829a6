// Package dataflow coordinates one grid document across its three sources
// of truth: the URL token, the live cell store, and the persisted snapshot.
// One Manager exists per formulaID, held in a keyed Registry and explicitly
// disposed by its owning view.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/formulapad/cellsync/internal/grid"
	"github.com/formulapad/cellsync/internal/snapshotstore"
	"github.com/formulapad/cellsync/internal/token"
)

var (
	ErrDisposed          = errors.New("manager disposed")
	ErrNoConflict        = errors.New("no conflict pending")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrPersistence       = errors.New("persistence failure")
)

// PersistenceError wraps a snapshot store failure. The live store stays
// authoritative and keeps working degraded; the caller is informed because
// silently failing to save is a correctness issue.
type PersistenceError struct {
	Op        string
	FormulaID string
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for %s: %v", e.Op, e.FormulaID, e.Cause)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// State is the manager's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateClean
	StateConflictPending
	StateSynced
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateClean:
		return "clean"
	case StateConflictPending:
		return "conflict-pending"
	case StateSynced:
		return "synced"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// URLWriter applies a query-parameter map to the shared URL, replacing the
// current entry rather than pushing history.
type URLWriter interface {
	ApplyParams(ctx context.Context, params map[string]string) error
}

// ConflictResolver presents a conflict to the user and blocks until a
// decision arrives. The manager applies no default timeout: it stays
// quiescent in ConflictPending for as long as the decision takes.
type ConflictResolver interface {
	Resolve(ctx context.Context, info ConflictInfo) (Resolution, error)
}

// Logger mirrors grid.Logger for this package's options.
type Logger interface {
	Printf(format string, args ...any)
}

const defaultTokenParam = "d"

type ManagerOptions struct {
	Store      *grid.Store
	Snapshots  snapshotstore.Store
	URLWriter  URLWriter
	Resolver   ConflictResolver
	TokenParam string
	Logger     Logger
}

// Manager owns the synchronization policy for one document: the initial
// load matrix, debounced outward propagation of live edits, user conflict
// decisions, and feedback-loop prevention.
type Manager struct {
	formulaID  string
	store      *grid.Store
	snapshots  snapshotstore.Store
	urlWriter  URLWriter
	resolver   ConflictResolver
	tokenParam string
	logger     Logger

	mu            sync.Mutex
	state         State
	lastPublished string
	pendingURL    grid.Snapshot
	pendingDB     grid.Snapshot
	unsubscribe   func()
}

func NewManager(formulaID string, opts ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(formulaID) == "" {
		return nil, fmt.Errorf("formula id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("cell store is required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	tokenParam := strings.TrimSpace(opts.TokenParam)
	if tokenParam == "" {
		tokenParam = defaultTokenParam
	}
	m := &Manager{
		formulaID:  formulaID,
		store:      opts.Store,
		snapshots:  opts.Snapshots,
		urlWriter:  opts.URLWriter,
		resolver:   opts.Resolver,
		tokenParam: tokenParam,
		logger:     opts.Logger,
		state:      StateUninitialized,
	}
	m.unsubscribe = m.store.SubscribeGlobal(func(snapshot grid.Snapshot) {
		if err := m.HandleStoreUpdate(context.Background(), snapshot); err != nil {
			m.logf("sync for %s failed: %v", m.formulaID, err)
		}
	})
	return m, nil
}

func (m *Manager) FormulaID() string {
	return m.formulaID
}

func (m *Manager) Store() *grid.Store {
	return m.store
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingConflict reports the conflict awaiting a decision, if any.
func (m *Manager) PendingConflict() (ConflictInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConflictPending {
		return ConflictInfo{}, false
	}
	return NewConflictInfo(m.pendingURL, m.pendingDB), true
}

// Initialize loads the document from the URL token and the persisted
// snapshot. A malformed token is logged and treated as "no URL data". When
// both sources are present and materially different the manager enters
// ConflictPending and awaits the registered resolver for as long as the
// decision takes, with no writes in the meantime. A token the manager itself published is
// recognized and ignored, so downstream URL writes never loop back into a
// fresh initialization.
func (m *Manager) Initialize(ctx context.Context, urlToken string) error {
	urlToken = strings.TrimSpace(urlToken)

	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if urlToken != "" && urlToken == m.lastPublished && m.state == StateSynced {
		// self-produced URL change
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConflictPending {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLoading
	m.mu.Unlock()

	var urlSnapshot grid.Snapshot
	urlPresent := false
	if urlToken != "" {
		decoded, err := token.Decode(urlToken)
		if err != nil {
			m.logf("ignoring malformed url token for %s: %v", m.formulaID, err)
		} else {
			urlSnapshot = decoded
			urlPresent = !decoded.Empty()
		}
	}

	dbSnapshot, dbPresent, err := m.snapshots.Read(ctx, m.formulaID)
	if err != nil {
		// degraded: whatever the URL carried still reaches the store
		if urlPresent {
			m.applyAndSync(urlSnapshot)
		} else {
			m.setState(StateSynced)
		}
		return &PersistenceError{Op: "read", FormulaID: m.formulaID, Cause: err}
	}
	dbPresent = dbPresent && !dbSnapshot.Empty()

	switch {
	case !urlPresent && !dbPresent:
		m.setState(StateSynced)
		return nil
	case urlPresent && !dbPresent:
		m.applyAndSync(urlSnapshot)
		return nil
	case !urlPresent && dbPresent:
		m.applyAndSync(dbSnapshot)
		return nil
	}

	if !MateriallyDifferent(urlSnapshot, dbSnapshot) {
		// equivalent or one-sided: the union is both sides' data, no loss
		m.applyAndSync(mergeSnapshots(urlSnapshot, dbSnapshot))
		return nil
	}

	m.mu.Lock()
	m.state = StateConflictPending
	m.pendingURL = urlSnapshot
	m.pendingDB = dbSnapshot
	resolver := m.resolver
	m.mu.Unlock()

	if resolver == nil {
		// stays pending until ResolveConflict is invoked externally
		return nil
	}
	resolution, err := resolver.Resolve(ctx, NewConflictInfo(urlSnapshot, dbSnapshot))
	if err != nil {
		return err
	}
	return m.ResolveConflict(ctx, resolution)
}

// ResolveConflict applies the user's decision to the pending snapshots.
// Cancel leaves the manager in ConflictPending with nothing written.
func (m *Manager) ResolveConflict(ctx context.Context, resolution Resolution) error {
	if !resolution.Valid() {
		return ErrInvalidResolution
	}
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state != StateConflictPending {
		m.mu.Unlock()
		return ErrNoConflict
	}
	urlSnapshot, dbSnapshot := m.pendingURL, m.pendingDB
	m.mu.Unlock()

	result, applied := Resolve(resolution, urlSnapshot, dbSnapshot)
	if !applied {
		return nil
	}
	m.applyAndSync(result)
	return nil
}

// HandleStoreUpdate is driven by the store's debounced global batch: it
// re-encodes the authored state, pushes the token to the URL writer and the
// snapshot to persistence. It is a no-op unless the manager is Synced, so a
// pending conflict is never overwritten by accident.
func (m *Manager) HandleStoreUpdate(ctx context.Context, _ grid.Snapshot) error {
	m.mu.Lock()
	if m.state != StateSynced {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	authored := m.store.AuthoredSnapshot()
	encoded, err := token.Encode(authored)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastPublished = encoded
	urlWriter := m.urlWriter
	tokenParam := m.tokenParam
	m.mu.Unlock()

	if urlWriter != nil {
		if err := urlWriter.ApplyParams(ctx, map[string]string{tokenParam: encoded}); err != nil {
			return err
		}
	}
	if err := m.snapshots.Write(ctx, m.formulaID, authored); err != nil {
		return &PersistenceError{Op: "write", FormulaID: m.formulaID, Cause: err}
	}
	return nil
}

// ShareToken encodes the current authored state for sharing.
func (m *Manager) ShareToken() (string, error) {
	return token.Encode(m.store.AuthoredSnapshot())
}

// Dispose removes the manager's store subscription and ends its lifecycle.
// Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return
	}
	m.state = StateDisposed
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (m *Manager) applyAndSync(snapshot grid.Snapshot) {
	m.mu.Lock()
	m.state = StateClean
	m.pendingURL = grid.Snapshot{}
	m.pendingDB = grid.Snapshot{}
	m.mu.Unlock()

	m.store.Apply(snapshot)
	m.setState(StateSynced)
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state != StateDisposed {
		m.state = state
	}
	m.mu.Unlock()
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

package grid

import (
	"sort"
	"sync"
	"time"
)

// Logger is the minimal logging surface injected into store and manager
// options. log.Default() satisfies it; nil means silent.
type Logger interface {
	Printf(format string, args ...any)
}

// CellListener observes every new value written to one cell, in issue order.
type CellListener func(value Value)

// GlobalListener observes one debounced batch of mutations, carrying the
// store's state at fire time.
type GlobalListener func(snapshot Snapshot)

type StoreOptions struct {
	Columns        []Column
	DebounceWindow time.Duration
	Logger         Logger
}

type cellKey struct {
	rowID    string
	columnID string
}

// Store is the reactive per-document cell container. It is the single
// authoritative holder of live values for its formulaID; collaborators
// mutate it only through SetValue and read through Value/Snapshot.
type Store struct {
	mu          sync.Mutex
	formulaID   string
	columns     map[string]Column
	columnOrder []string
	rowOrder    []string
	rowSeen     map[string]bool
	cells       map[string]map[string]Value
	cellSubs    map[cellKey]map[int]CellListener
	globalSubs  map[int]GlobalListener
	nextSubID   int
	debounce    *Debouncer
	logger      Logger
	closed      bool
}

func NewStore(formulaID string, opts StoreOptions) *Store {
	s := &Store{
		formulaID:  formulaID,
		columns:    map[string]Column{},
		rowSeen:    map[string]bool{},
		cells:      map[string]map[string]Value{},
		cellSubs:   map[cellKey]map[int]CellListener{},
		globalSubs: map[int]GlobalListener{},
		logger:     opts.Logger,
	}
	for _, column := range opts.Columns {
		if column.ID == "" {
			continue
		}
		if _, exists := s.columns[column.ID]; exists {
			continue
		}
		s.columns[column.ID] = column
		s.columnOrder = append(s.columnOrder, column.ID)
	}
	s.debounce = NewDebouncer(opts.DebounceWindow, s.notifyGlobal)
	return s
}

func (s *Store) FormulaID() string {
	return s.formulaID
}

// Columns returns the column definitions in declaration order.
func (s *Store) Columns() []Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	columns := make([]Column, 0, len(s.columnOrder))
	for _, id := range s.columnOrder {
		columns = append(columns, s.columns[id])
	}
	return columns
}

// Column looks up a column definition by ID.
func (s *Store) Column(columnID string) (Column, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	column, ok := s.columns[columnID]
	return column, ok
}

// RowIDs returns rows in insertion order.
func (s *Store) RowIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rowOrder...)
}

// Value returns the current value at (rowID, columnID), or null if the cell
// is absent or the identifiers are unknown. It never fails.
func (s *Store) Value(rowID, columnID string) Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cells[rowID]
	if !ok {
		return Null()
	}
	return row[columnID]
}

// SetValue overwrites the cell and notifies its listeners synchronously in
// issue order; global listeners are notified once per debounced batch.
// Writes to unregistered columns are no-ops so that components whose
// lifecycle briefly outruns the data never fault the store.
func (s *Store) SetValue(rowID, columnID string, value Value) {
	s.mu.Lock()
	if s.closed || rowID == "" {
		s.mu.Unlock()
		return
	}
	if _, known := s.columns[columnID]; !known {
		s.mu.Unlock()
		return
	}
	if !s.rowSeen[rowID] {
		s.rowSeen[rowID] = true
		s.rowOrder = append(s.rowOrder, rowID)
	}
	if value.IsNull() {
		if row, ok := s.cells[rowID]; ok {
			delete(row, columnID)
			if len(row) == 0 {
				delete(s.cells, rowID)
			}
		}
	} else {
		if s.cells[rowID] == nil {
			s.cells[rowID] = map[string]Value{}
		}
		s.cells[rowID][columnID] = value
	}
	listeners := s.cellListenersLocked(cellKey{rowID, columnID})
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(value)
	}
	s.debounce.Trigger()
}

func (s *Store) cellListenersLocked(key cellKey) []CellListener {
	subs := s.cellSubs[key]
	if len(subs) == 0 {
		return nil
	}
	// notify in registration order; sub IDs are monotonic
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]CellListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, subs[id])
	}
	return listeners
}

// Subscribe registers a listener for one cell. The returned function removes
// the registration exactly once; further calls are no-ops.
func (s *Store) Subscribe(rowID, columnID string, listener CellListener) func() {
	key := cellKey{rowID, columnID}
	s.mu.Lock()
	if s.closed || listener == nil {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	if s.cellSubs[key] == nil {
		s.cellSubs[key] = map[int]CellListener{}
	}
	s.cellSubs[key][id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.cellSubs[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.cellSubs, key)
				}
			}
		})
	}
}

// SubscribeGlobal registers a whole-store listener invoked once per logical
// batch of mutations after the quiet window elapses.
func (s *Store) SubscribeGlobal(listener GlobalListener) func() {
	s.mu.Lock()
	if s.closed || listener == nil {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.globalSubs[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.globalSubs, id)
		})
	}
}

func (s *Store) notifyGlobal() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	snapshot := SnapshotFromCells(s.cells)
	listeners := make([]GlobalListener, 0, len(s.globalSubs))
	ids := make([]int, 0, len(s.globalSubs))
	for id := range s.globalSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, s.globalSubs[id])
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

// Snapshot returns a consistent point-in-time capture of every cell. It
// never observes a partially applied batch because all mutations hold the
// store lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SnapshotFromCells(s.cells)
}

// AuthoredSnapshot captures only cells in editable columns, the values that
// participate in URL sharing, persistence, and conflict comparison.
func (s *Store) AuthoredSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	authored := map[string]map[string]Value{}
	for rowID, row := range s.cells {
		for columnID, value := range row {
			column, ok := s.columns[columnID]
			if !ok || !column.Editable {
				continue
			}
			if authored[rowID] == nil {
				authored[rowID] = map[string]Value{}
			}
			authored[rowID][columnID] = value
		}
	}
	return SnapshotFromCells(authored)
}

// Apply writes every cell of the snapshot through the public SetValue path,
// so per-cell listeners fire and exactly one debounced batch follows.
func (s *Store) Apply(snapshot Snapshot) {
	snapshot.Each(func(rowID, columnID string, value Value) {
		s.SetValue(rowID, columnID, value)
	})
}

// Close tears the store down: the in-flight debounce timer is cancelled so
// it can never fire against a disposed store, and all subscriptions are
// dropped. Further mutations are no-ops.
func (s *Store) Close() {
	s.debounce.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cellSubs = map[cellKey]map[int]CellListener{}
	s.globalSubs = map[int]GlobalListener{}
}

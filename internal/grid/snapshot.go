package grid

import "sort"

// Snapshot is an immutable point-in-time capture of cell values. Null values
// are never stored; a null cell and an absent cell are the same thing. A
// Snapshot is constructed, compared or transmitted, then discarded; it is
// never mutated in place.
type Snapshot struct {
	cells map[string]map[string]Value
}

// SnapshotFromCells deep-copies the given rowID -> columnID -> value mapping,
// dropping null entries.
func SnapshotFromCells(cells map[string]map[string]Value) Snapshot {
	copied := make(map[string]map[string]Value, len(cells))
	for rowID, row := range cells {
		for columnID, value := range row {
			if value.IsNull() {
				continue
			}
			if copied[rowID] == nil {
				copied[rowID] = make(map[string]Value, len(row))
			}
			copied[rowID][columnID] = value
		}
	}
	return Snapshot{cells: copied}
}

// Value returns the captured value at (rowID, columnID), or null if absent.
func (s Snapshot) Value(rowID, columnID string) Value {
	row, ok := s.cells[rowID]
	if !ok {
		return Null()
	}
	return row[columnID]
}

func (s Snapshot) Empty() bool {
	return s.CellCount() == 0
}

// CellCount is the number of non-null cells captured.
func (s Snapshot) CellCount() int {
	count := 0
	for _, row := range s.cells {
		count += len(row)
	}
	return count
}

// RowIDs returns the captured row identifiers in lexical order.
func (s Snapshot) RowIDs() []string {
	ids := make([]string, 0, len(s.cells))
	for rowID := range s.cells {
		ids = append(ids, rowID)
	}
	sort.Strings(ids)
	return ids
}

// Each visits every captured cell in deterministic (row, column) order.
func (s Snapshot) Each(visit func(rowID, columnID string, value Value)) {
	for _, rowID := range s.RowIDs() {
		row := s.cells[rowID]
		columnIDs := make([]string, 0, len(row))
		for columnID := range row {
			columnIDs = append(columnIDs, columnID)
		}
		sort.Strings(columnIDs)
		for _, columnID := range columnIDs {
			visit(rowID, columnID, row[columnID])
		}
	}
}

// CellMap returns a deep copy of the captured cells.
func (s Snapshot) CellMap() map[string]map[string]Value {
	copied := make(map[string]map[string]Value, len(s.cells))
	for rowID, row := range s.cells {
		copied[rowID] = make(map[string]Value, len(row))
		for columnID, value := range row {
			copied[rowID][columnID] = value
		}
	}
	return copied
}

// Equal reports value equality over all cells.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.CellCount() != other.CellCount() {
		return false
	}
	for rowID, row := range s.cells {
		for columnID, value := range row {
			if !value.Equal(other.Value(rowID, columnID)) {
				return false
			}
		}
	}
	return true
}

// ContainedIn reports whether every cell of s is present in other with an
// equal value.
func (s Snapshot) ContainedIn(other Snapshot) bool {
	for rowID, row := range s.cells {
		for columnID, value := range row {
			if !value.Equal(other.Value(rowID, columnID)) {
				return false
			}
		}
	}
	return true
}

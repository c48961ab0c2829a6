package dataflow

import "github.com/formulapad/cellsync/internal/grid"

// ConflictInfo carries the cell cardinalities of the two diverging sources.
// It only informs the user's decision; resolution itself works on the full
// snapshots.
type ConflictInfo struct {
	URLCellCount int `json:"urlCellCount"`
	DBCellCount  int `json:"dbCellCount"`
}

func NewConflictInfo(urlSnapshot, dbSnapshot grid.Snapshot) ConflictInfo {
	return ConflictInfo{
		URLCellCount: urlSnapshot.CellCount(),
		DBCellCount:  dbSnapshot.CellCount(),
	}
}

// MateriallyDifferent decides whether two authored snapshots of the same
// document disagree. Identical snapshots are never a conflict, and neither
// is one snapshot being a subset of the other with no contradicting values,
// since the union loses nothing. Everything else is: a shared cell with
// differing values, or authored cells unique to each side.
func MateriallyDifferent(urlSnapshot, dbSnapshot grid.Snapshot) bool {
	if urlSnapshot.ContainedIn(dbSnapshot) || dbSnapshot.ContainedIn(urlSnapshot) {
		return false
	}
	return true
}

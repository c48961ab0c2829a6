package dataflow

import "github.com/formulapad/cellsync/internal/grid"

// Resolution is the user's answer to a conflict prompt.
type Resolution string

const (
	ResolutionMerge      Resolution = "merge"
	ResolutionReplaceURL Resolution = "replace-url"
	ResolutionReplaceDB  Resolution = "replace-db"
	ResolutionCancel     Resolution = "cancel"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionMerge, ResolutionReplaceURL, ResolutionReplaceDB, ResolutionCancel:
		return true
	}
	return false
}

// Resolve maps a resolution onto the two snapshots. applied is false only
// for cancel, in which case no snapshot may be written anywhere. Merge takes
// the union of both sides; on a shared cell the URL value wins. That is a
// stated product rule, not a recency inference.
func Resolve(resolution Resolution, urlSnapshot, dbSnapshot grid.Snapshot) (result grid.Snapshot, applied bool) {
	switch resolution {
	case ResolutionReplaceURL:
		return urlSnapshot, true
	case ResolutionReplaceDB:
		return dbSnapshot, true
	case ResolutionMerge:
		return mergeSnapshots(urlSnapshot, dbSnapshot), true
	default:
		return grid.Snapshot{}, false
	}
}

func mergeSnapshots(urlSnapshot, dbSnapshot grid.Snapshot) grid.Snapshot {
	merged := dbSnapshot.CellMap()
	urlSnapshot.Each(func(rowID, columnID string, value grid.Value) {
		if merged[rowID] == nil {
			merged[rowID] = map[string]grid.Value{}
		}
		merged[rowID][columnID] = value
	})
	return grid.SnapshotFromCells(merged)
}

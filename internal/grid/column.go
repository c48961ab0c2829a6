package grid

// ColumnType tags how a column's values are produced and rendered.
type ColumnType string

const (
	ColumnText   ColumnType = "text"
	ColumnNumber ColumnType = "number"
	ColumnCustom ColumnType = "custom"
	ColumnResult ColumnType = "result"
)

// Column describes one grid column. Editable=false marks derived values
// (formula results) that are never merge-authoritative and never travel in
// the shared URL. Locked columns cannot be removed from the grid but have
// no bearing on synchronization.
type Column struct {
	ID       string     `json:"id"`
	Label    string     `json:"label,omitempty"`
	Type     ColumnType `json:"type"`
	Editable bool       `json:"editable"`
	Locked   bool       `json:"locked,omitempty"`
	Formula  string     `json:"formula,omitempty"`
}

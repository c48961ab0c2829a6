// Package snapshotstore persists grid snapshots by formulaID. Backends are
// interchangeable behind Store: in-memory, JSON files, SQLite, Postgres, and
// Redis. Every document read back from storage is validated against a JSON
// schema before it reaches the grid.
package snapshotstore

import (
	"context"
	"errors"

	"github.com/formulapad/cellsync/internal/grid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is the persistence collaborator of the sync orchestrator. Read
// reports absence via the boolean, not an error; failures are surfaced,
// never swallowed.
type Store interface {
	Read(ctx context.Context, formulaID string) (snapshot grid.Snapshot, present bool, err error)
	Write(ctx context.Context, formulaID string, snapshot grid.Snapshot) error
	Close() error
}

package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/formulapad/cellsync/internal/grid"
)

// SQLiteStore persists snapshot documents in a local SQLite file, the
// default for single-machine playground installs.
type SQLiteStore struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite3", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := `
			CREATE TABLE IF NOT EXISTS cellsync_snapshots (
				formula_id TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Read(ctx context.Context, formulaID string) (grid.Snapshot, bool, error) {
	if strings.TrimSpace(formulaID) == "" {
		return grid.Snapshot{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return grid.Snapshot{}, false, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM cellsync_snapshots WHERE formula_id = ?", formulaID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Snapshot{}, false, nil
	}
	if err != nil {
		return grid.Snapshot{}, false, err
	}
	snapshot, err := decodeDocument([]byte(payload))
	if err != nil {
		return grid.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *SQLiteStore) Write(ctx context.Context, formulaID string, snapshot grid.Snapshot) error {
	if strings.TrimSpace(formulaID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeDocument(formulaID, snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cellsync_snapshots (formula_id, document, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (formula_id)
		DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		formulaID, string(payload))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

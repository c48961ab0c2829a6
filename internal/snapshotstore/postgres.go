package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/formulapad/cellsync/internal/grid"
)

const (
	postgresSnapshotTable    = "cellsync_snapshots"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists snapshot documents in a single upsert-by-key table.
// The connection and schema are initialized lazily on first use.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresSnapshotTable,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				formula_id TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Read(ctx context.Context, formulaID string) (grid.Snapshot, bool, error) {
	if strings.TrimSpace(formulaID) == "" {
		return grid.Snapshot{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return grid.Snapshot{}, false, err
	}
	query := fmt.Sprintf("SELECT document FROM %s WHERE formula_id = $1", quoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, formulaID).Scan(&payload)
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

func (s *PostgresStore) Write(ctx context.Context, formulaID string, snapshot grid.Snapshot) error {
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
	query := fmt.Sprintf(`
		INSERT INTO %s (formula_id, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (formula_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`, quoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, formulaID, string(payload))
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

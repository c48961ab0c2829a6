package snapshotstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/formulapad/cellsync/internal/grid"
)

// JSONFileStore keeps one JSON document per formulaID under a directory,
// written atomically (temp file + rename).
type JSONFileStore struct {
	dir string
	mu  sync.Mutex
}

func NewJSONFileStore(dir string) (*JSONFileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JSONFileStore{dir: dir}, nil
}

func (s *JSONFileStore) path(formulaID string) (string, error) {
	formulaID = strings.TrimSpace(formulaID)
	if formulaID == "" {
		return "", ErrInvalidInput
	}
	// keep identifiers filesystem-safe
	var b strings.Builder
	for _, r := range formulaID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return filepath.Join(s.dir, b.String()+".json"), nil
}

func (s *JSONFileStore) Read(ctx context.Context, formulaID string) (grid.Snapshot, bool, error) {
	path, err := s.path(formulaID)
	if err != nil {
		return grid.Snapshot{}, false, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return grid.Snapshot{}, false, nil
		}
		return grid.Snapshot{}, false, err
	}
	snapshot, err := decodeDocument(data)
	if err != nil {
		return grid.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *JSONFileStore) Write(ctx context.Context, formulaID string, snapshot grid.Snapshot) error {
	path, err := s.path(formulaID)
	if err != nil {
		return err
	}
	data, err := encodeDocument(formulaID, snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONFileStore) Close() error {
	return nil
}

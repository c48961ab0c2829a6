package snapshotstore

import (
	"context"
	"sync"

	"github.com/formulapad/cellsync/internal/grid"
)

// InMemoryStore keeps documents in process memory. Useful in tests and for
// ephemeral playgrounds.
type InMemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: map[string][]byte{}}
}

func (s *InMemoryStore) Read(ctx context.Context, formulaID string) (grid.Snapshot, bool, error) {
	if formulaID == "" {
		return grid.Snapshot{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	data, ok := s.docs[formulaID]
	s.mu.Unlock()
	if !ok {
		return grid.Snapshot{}, false, nil
	}
	snapshot, err := decodeDocument(data)
	if err != nil {
		return grid.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *InMemoryStore) Write(ctx context.Context, formulaID string, snapshot grid.Snapshot) error {
	if formulaID == "" {
		return ErrInvalidInput
	}
	data, err := encodeDocument(formulaID, snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[formulaID] = data
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

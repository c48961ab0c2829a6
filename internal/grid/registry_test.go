package grid

import (
	"testing"
	"time"
)

func TestRegistrySharesStorePerFormulaID(t *testing.T) {
	registry := NewRegistry(RegistryOptions{
		StoreDefaults: StoreOptions{Columns: testColumns(), DebounceWindow: time.Hour},
	})

	first := registry.Acquire("doc-1")
	second := registry.Acquire("doc-1")
	other := registry.Acquire("doc-2")

	if first != second {
		t.Fatalf("same formulaID must share one store")
	}
	if first == other {
		t.Fatalf("different formulaIDs must not share a store")
	}
	if registry.Len() != 2 {
		t.Fatalf("expected 2 stores, got %d", registry.Len())
	}
}

func TestRegistryReleasesOnLastReference(t *testing.T) {
	registry := NewRegistry(RegistryOptions{
		StoreDefaults: StoreOptions{Columns: testColumns(), DebounceWindow: time.Hour},
	})

	store := registry.Acquire("doc-1")
	registry.Acquire("doc-1")
	store.SetValue("r1", "a", Number(1))

	registry.Release("doc-1")
	if registry.Len() != 1 {
		t.Fatalf("store released while still referenced")
	}
	if !store.Value("r1", "a").Equal(Number(1)) {
		t.Fatalf("store lost state while referenced")
	}

	registry.Release("doc-1")
	if registry.Len() != 0 {
		t.Fatalf("store not released at zero references")
	}

	// closed: further writes are no-ops
	store.SetValue("r1", "b", Number(2))
	if !store.Value("r1", "b").IsNull() {
		t.Fatalf("released store accepted a write")
	}

	registry.Release("doc-1") // unknown release is a no-op
}

func TestRegistryOnCreateRunsOncePerStore(t *testing.T) {
	created := 0
	registry := NewRegistry(RegistryOptions{
		StoreDefaults: StoreOptions{Columns: testColumns(), DebounceWindow: time.Hour},
		OnCreate:      func(*Store) { created++ },
	})

	registry.Acquire("doc-1")
	registry.Acquire("doc-1")
	registry.Acquire("doc-2")

	if created != 2 {
		t.Fatalf("expected OnCreate twice, got %d", created)
	}
}

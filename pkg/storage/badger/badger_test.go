package badger

import (
	"testing"

	"github.com/supermd/syncd/pkg/storage"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	store, err := NewBadgerStorage(&Config{
		Path:     t.TempDir(),
		InMemory: false,
	})
	if err != nil {
		t.Fatalf("NewBadgerStorage failed: %v", err)
	}
	return store
}

func TestBadgerStorage_Conformance(t *testing.T) {
	suite := &storage.StorageTestSuite{NewStorage: newTestStorage}
	suite.RunAllTests(t)
}

func TestBadgerStorage_InMemoryMode(t *testing.T) {
	suite := &storage.StorageTestSuite{
		NewStorage: func(t *testing.T) storage.Storage {
			s, err := NewBadgerStorage(&Config{InMemory: true})
			if err != nil {
				t.Fatalf("NewBadgerStorage failed: %v", err)
			}
			return s
		},
	}
	suite.RunAllTests(t)
}

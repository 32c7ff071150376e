package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/taskward/storage"
	"github.com/jmcleod/taskward/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskward-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage(t *testing.T) {
	s, err := NewRepository(newTestDB(t))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	storagetest.Run(t, s)
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	u, err := s.CreateAccount(ctx, &storage.User{Username: "persist", Email: "persist@example.com"}, storage.DefaultAccountDefaults)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.GetUserByUsername(ctx, "persist")
	if err != nil {
		t.Fatalf("GetUserByUsername after reopen failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("expected id %d, got %d", u.ID, got.ID)
	}
	statuses, err := s.ListStatuses(ctx, u.ID)
	if err != nil || len(statuses) != 1 {
		t.Fatalf("expected seeded status after reopen, got %v (%v)", statuses, err)
	}
}

package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return store
}

func TestFSStorePutGet(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	key := "uploads/u1/doc.pdf"
	if err := store.Put(ctx, key, []byte("%PDF-1.4 content"), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "%PDF-1.4 content" {
		t.Errorf("unexpected data %q", data)
	}
}

func TestFSStoreGetMissing(t *testing.T) {
	store := newTestFSStore(t)

	if _, err := store.Get(context.Background(), "uploads/u1/missing.pdf"); err == nil {
		t.Fatal("expected error for missing blob")
	}
}

func TestFSStoreDelete(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	key := "uploads/u1/doc.pdf"
	store.Put(ctx, key, []byte("x"), "")
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); err == nil {
		t.Error("expected blob gone after delete")
	}

	// Deleting again is a no-op.
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	store := newTestFSStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "../outside.txt", []byte("x"), ""); err == nil {
		t.Error("expected traversal key to be rejected")
	}
	if _, err := store.Get(ctx, "/etc/passwd"); err == nil {
		t.Error("expected absolute key to be rejected")
	}
}

func TestFSStorePresignUnsupported(t *testing.T) {
	store := newTestFSStore(t)

	_, err := store.PresignGet(context.Background(), "uploads/u1/doc.pdf", time.Minute)
	if !errors.Is(err, ErrPresignUnsupported) {
		t.Errorf("expected ErrPresignUnsupported, got %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("u1", "My Report.PDF")

	if !strings.HasPrefix(key, "uploads/u1/") {
		t.Errorf("unexpected prefix: %q", key)
	}
	if !strings.HasSuffix(key, ".pdf") {
		t.Errorf("expected lowercased extension: %q", key)
	}

	if ObjectKey("u1", "a.pdf") == ObjectKey("u1", "a.pdf") {
		t.Error("expected unique keys per call")
	}
}

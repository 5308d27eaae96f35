package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestMemoryBackendConformance(t *testing.T) {
	runBackendConformance(t, func(t *testing.T) StorageBackend {
		b, err := NewMemoryBackend(0, "", 0)
		if err != nil {
			t.Fatalf("NewMemoryBackend: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestMemorySizeLimit(t *testing.T) {
	b, err := NewMemoryBackend(10, "", 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	mustPut(t, b, "s", "a", "12345678")
	if _, _, err := b.PutFile(ctx, "s", "b", strings.NewReader("xyz"), 3); err == nil {
		t.Fatal("expected memory limit error")
	}

	// Replacing a file only counts the size difference.
	mustPut(t, b, "s", "a", "1234567890")

	if err := b.DeleteFile(ctx, "s", "a"); err != nil {
		t.Fatal(err)
	}
	mustPut(t, b, "s", "b", "xyz")
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap", "memory.db")

	b, err := NewMemoryBackend(0, path, 0)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	mustPut(t, b, "docs", "a/b.txt", "persisted")
	mustPut(t, b, "other", "c", "too")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restored, err := NewMemoryBackend(0, path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer restored.Close()

	got, _ := readFile(t, restored, "docs", "a/b.txt")
	if string(got) != "persisted" {
		t.Errorf("restored content = %q", got)
	}
	sum, err := restored.CopyFile(context.Background(), "other", "c", "other", "d")
	if err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if sum != ContentMD5([]byte("too")) {
		t.Errorf("restored checksum = %q", sum)
	}
}

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// memFile holds the raw content and precomputed MD5 of an in-memory file.
type memFile struct {
	Data []byte
	MD5  string
}

// MemoryBackend implements the StorageBackend interface using an in-memory
// map. It optionally snapshots its content to a SQLite file so that data
// survives restarts.
type MemoryBackend struct {
	mu           sync.RWMutex
	files        map[string]memFile // key: "share/path"
	currentSize  int64
	maxSizeBytes int64

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// NewMemoryBackend creates a new MemoryBackend. When snapshotPath is set it
// loads any existing snapshot and, for a positive interval, starts a
// background goroutine that writes periodic snapshots.
func NewMemoryBackend(maxSizeBytes int64, snapshotPath string, snapshotInterval time.Duration) (*MemoryBackend, error) {
	b := &MemoryBackend{
		files:            make(map[string]memFile),
		maxSizeBytes:     maxSizeBytes,
		snapshotPath:     snapshotPath,
		snapshotInterval: snapshotInterval,
		stopCh:           make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if snapshotInterval > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}

	return b, nil
}

// putLocked stores data under key, enforcing the size limit. The caller must
// hold b.mu.
func (b *MemoryBackend) putLocked(key string, data []byte) (string, error) {
	delta := int64(len(data))
	if existing, found := b.files[key]; found {
		delta -= int64(len(existing.Data))
	}
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return "", fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}
	sum := ContentMD5(data)
	b.files[key] = memFile{Data: data, MD5: sum}
	b.currentSize += delta
	return sum, nil
}

func (b *MemoryBackend) PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sum, err := b.putLocked(fileKey(share, path), data)
	if err != nil {
		return 0, "", err
	}
	return int64(len(data)), sum, nil
}

// GetFile returns a reader over the stored content. Stored slices are never
// mutated in place, so readers can share them.
func (b *MemoryBackend) GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, found := b.files[fileKey(share, path)]
	if !found {
		return nil, 0, notFound(share, path)
	}
	return io.NopCloser(bytes.NewReader(f.Data)), int64(len(f.Data)), nil
}

func (b *MemoryBackend) GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, found := b.files[fileKey(share, path)]
	if !found {
		return nil, notFound(share, path)
	}
	return sliceRange(f.Data, offset, count)
}

func (b *MemoryBackend) DeleteFile(ctx context.Context, share, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := fileKey(share, path)
	if f, found := b.files[key]; found {
		b.currentSize -= int64(len(f.Data))
		delete(b.files, key)
	}
	return nil
}

func (b *MemoryBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, found := b.files[fileKey(srcShare, srcPath)]
	if !found {
		return "", notFound(srcShare, srcPath)
	}
	return b.putLocked(fileKey(dstShare, dstPath), src.Data)
}

// CreateShare is a no-op; share existence is tracked by the metadata store.
func (b *MemoryBackend) CreateShare(ctx context.Context, share string) error {
	return nil
}

func (b *MemoryBackend) DeleteShare(ctx context.Context, share string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := share + "/"
	for k, f := range b.files {
		if strings.HasPrefix(k, prefix) {
			b.currentSize -= int64(len(f.Data))
			delete(b.files, k)
		}
	}
	return nil
}

func (b *MemoryBackend) FileExists(ctx context.Context, share, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, found := b.files[fileKey(share, path)]
	return found, nil
}

// HealthCheck always succeeds; there is no external dependency.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot goroutine and writes a final snapshot.
func (b *MemoryBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()

	if b.snapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("Memory backend snapshot failed", "error", err)
			}
		}
	}
}

// loadSnapshot restores content from the SQLite snapshot file. A missing
// file is a fresh start.
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'file_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT share, path, data, content_md5 FROM file_snapshots")
	if err != nil {
		return fmt.Errorf("querying file snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var share, path, sum string
		var data []byte
		if err := rows.Scan(&share, &path, &data, &sum); err != nil {
			return fmt.Errorf("scanning file snapshot row: %w", err)
		}
		b.files[fileKey(share, path)] = memFile{Data: data, MD5: sum}
		b.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot writes the current content to a temporary SQLite file and
// renames it over the snapshot path.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	files := maps.Clone(b.files)
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	if err := writeSnapshotFile(tmpPath, files); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

func writeSnapshotFile(path string, files map[string]memFile) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	defer db.Close()

	schema := `
		PRAGMA synchronous = FULL;
		CREATE TABLE file_snapshots (
			share       TEXT NOT NULL,
			path        TEXT NOT NULL,
			data        BLOB NOT NULL,
			content_md5 TEXT NOT NULL,
			PRIMARY KEY (share, path)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO file_snapshots (share, path, data, content_md5) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing file insert: %w", err)
	}
	defer stmt.Close()

	for _, key := range slices.Sorted(maps.Keys(files)) {
		f := files[key]
		share, path, _ := strings.Cut(key, "/")
		if _, err := stmt.Exec(share, path, f.Data, f.MD5); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting file snapshot for %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

var _ StorageBackend = (*MemoryBackend)(nil)

package storage

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/bleepfile/internal/uid"
)

// LocalBackend implements the StorageBackend interface using the local
// filesystem. Each share is a directory under RootDir and each file's content
// is stored at its path inside that directory.
type LocalBackend struct {
	// RootDir is the base directory under which all share data is stored.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files
// left behind are incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) shareDir(share string) string {
	return filepath.Join(b.RootDir, "shares", share)
}

// filePath maps a share file to disk. Content lives in a ".data" file so a
// path never collides with the directory created for its children.
func (b *LocalBackend) filePath(share, path string) string {
	return filepath.Join(b.shareDir(share), filepath.FromSlash(path)+".data")
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// PutFile writes content with the crash-only pattern: write to a temp file,
// fsync, rename.
func (b *LocalBackend) PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (int64, string, error) {
	dst := b.filePath(share, path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent directories for %s/%s: %w", share, path, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	written, err := io.Copy(tmpFile, io.TeeReader(reader, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("writing file data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("renaming temp file to final path: %w", err)
	}

	return written, base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

func (b *LocalBackend) GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.filePath(share, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, notFound(share, path)
		}
		return nil, 0, fmt.Errorf("opening file %s/%s: %w", share, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat file %s/%s: %w", share, path, err)
	}
	return f, info.Size(), nil
}

type sectionReadCloser struct {
	*io.SectionReader
	io.Closer
}

func (b *LocalBackend) GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error) {
	f, size, err := b.GetFile(ctx, share, path)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > size {
		f.Close()
		return nil, fmt.Errorf("range %d+%d outside content of %d bytes", offset, count, size)
	}
	return sectionReadCloser{
		SectionReader: io.NewSectionReader(f.(*os.File), offset, min(count, size-offset)),
		Closer:        f,
	}, nil
}

// DeleteFile removes the content file and any parent directories it leaves
// empty, stopping at the share directory.
func (b *LocalBackend) DeleteFile(ctx context.Context, share, path string) error {
	p := b.filePath(share, path)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file %s/%s: %w", share, path, err)
	}
	cleanEmptyParents(filepath.Dir(p), b.shareDir(share))
	return nil
}

func (b *LocalBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	src, size, err := b.GetFile(ctx, srcShare, srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	_, md5sum, err := b.PutFile(ctx, dstShare, dstPath, src, size)
	if err != nil {
		return "", fmt.Errorf("copying file data: %w", err)
	}
	return md5sum, nil
}

func (b *LocalBackend) CreateShare(ctx context.Context, share string) error {
	dir := b.shareDir(share)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating share directory %q: %w", dir, err)
	}
	return nil
}

func (b *LocalBackend) DeleteShare(ctx context.Context, share string) error {
	dir := b.shareDir(share)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing share directory %q: %w", dir, err)
	}
	return nil
}

func (b *LocalBackend) FileExists(ctx context.Context, share, path string) (bool, error) {
	info, err := os.Stat(b.filePath(share, path))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file existence %s/%s: %w", share, path, err)
}

// HealthCheck verifies that the local storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ StorageBackend = (*LocalBackend)(nil)

// Package storage defines the interface and implementations for BleepFile's
// file content layer. Shares, directories and file properties live in the
// metadata store; a StorageBackend only holds the bytes of each file.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is wrapped by every backend when file content is missing.
var ErrNotFound = errors.New("file content not found")

// StorageBackend reads and writes raw file content. Implementations provide
// the underlying mechanism (local filesystem, cloud provider, etc.). All
// methods must be safe for concurrent use.
type StorageBackend interface {
	// PutFile writes the data from the reader as the full content of the file
	// at share/path, replacing any previous content. It returns the number of
	// bytes written and the base64 MD5 of the content.
	PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (bytesWritten int64, contentMD5 string, err error)

	// GetFile opens the file content for reading. The caller closes the
	// returned ReadCloser.
	GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error)

	// GetFileRange opens count bytes of the file starting at offset. The
	// range must lie within the file.
	GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error)

	// DeleteFile removes the file content. Deleting missing content is not
	// an error.
	DeleteFile(ctx context.Context, share, path string) error

	// CopyFile copies content between two files and returns the base64 MD5
	// of the destination.
	CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error)

	// CreateShare prepares backing storage for a new share.
	CreateShare(ctx context.Context, share string) error

	// DeleteShare removes the backing storage of a share and all content in it.
	DeleteShare(ctx context.Context, share string) error

	// FileExists reports whether content is stored for share/path.
	FileExists(ctx context.Context, share, path string) (bool, error)

	// HealthCheck verifies that the storage backend is operational.
	HealthCheck(ctx context.Context) error
}

// ContentMD5 returns the base64 encoded MD5 digest of data.
func ContentMD5(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func notFound(share, path string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, share, path)
}

// sliceRange returns a reader over data[offset:offset+count].
func sliceRange(data []byte, offset, count int64) (io.ReadCloser, error) {
	size := int64(len(data))
	if offset < 0 || count < 0 || offset > size {
		return nil, fmt.Errorf("range %d+%d outside content of %d bytes", offset, count, size)
	}
	end := min(offset+count, size)
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

// fileKey joins a share and a file path into one flat object key.
func fileKey(share, path string) string {
	return share + "/" + path
}

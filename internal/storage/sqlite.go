package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend implements the StorageBackend interface by storing file
// content as BLOBs, which suits small files in single-node deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at dbPath and creates the schema.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS file_data (
			share       TEXT NOT NULL,
			path        TEXT NOT NULL,
			data        BLOB NOT NULL,
			content_md5 TEXT NOT NULL,
			PRIMARY KEY (share, path)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBackend) PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}

	sum := ContentMD5(data)
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_data (share, path, data, content_md5) VALUES (?, ?, ?, ?)`,
		share, path, data, sum,
	)
	if err != nil {
		return 0, "", fmt.Errorf("putting file %s/%s: %w", share, path, err)
	}
	return int64(len(data)), sum, nil
}

func (b *SQLiteBackend) readData(ctx context.Context, share, path string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM file_data WHERE share = ? AND path = ?`,
		share, path,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(share, path)
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %s/%s: %w", share, path, err)
	}
	return data, nil
}

func (b *SQLiteBackend) GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error) {
	data, err := b.readData(ctx, share, path)
	if err != nil {
		return nil, 0, err
	}
	rc, _ := sliceRange(data, 0, int64(len(data)))
	return rc, int64(len(data)), nil
}

// GetFileRange reads only the requested bytes with substr, which indexes
// BLOBs by byte from 1.
func (b *SQLiteBackend) GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error) {
	var data []byte
	var size int64
	err := b.db.QueryRowContext(ctx,
		`SELECT substr(data, ?, ?), length(data) FROM file_data WHERE share = ? AND path = ?`,
		offset+1, count, share, path,
	).Scan(&data, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(share, path)
	}
	if err != nil {
		return nil, fmt.Errorf("getting range of %s/%s: %w", share, path, err)
	}
	if offset < 0 || offset > size {
		return nil, fmt.Errorf("range %d+%d outside content of %d bytes", offset, count, size)
	}
	return sliceRange(data, 0, int64(len(data)))
}

func (b *SQLiteBackend) DeleteFile(ctx context.Context, share, path string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM file_data WHERE share = ? AND path = ?`,
		share, path,
	)
	if err != nil {
		return fmt.Errorf("deleting file %s/%s: %w", share, path, err)
	}
	return nil
}

func (b *SQLiteBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_data (share, path, data, content_md5)
		 SELECT ?, ?, data, content_md5 FROM file_data WHERE share = ? AND path = ?`,
		dstShare, dstPath, srcShare, srcPath,
	)
	if err != nil {
		return "", fmt.Errorf("copying file %s/%s: %w", srcShare, srcPath, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", notFound(srcShare, srcPath)
	}

	var sum string
	err = b.db.QueryRowContext(ctx,
		`SELECT content_md5 FROM file_data WHERE share = ? AND path = ?`,
		dstShare, dstPath,
	).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("reading copied file checksum: %w", err)
	}
	return sum, nil
}

// CreateShare is a no-op; rows are keyed by share name.
func (b *SQLiteBackend) CreateShare(ctx context.Context, share string) error {
	return nil
}

func (b *SQLiteBackend) DeleteShare(ctx context.Context, share string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM file_data WHERE share = ?`, share); err != nil {
		return fmt.Errorf("deleting share data %q: %w", share, err)
	}
	return nil
}

func (b *SQLiteBackend) FileExists(ctx context.Context, share, path string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_data WHERE share = ? AND path = ?`,
		share, path,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking file existence %s/%s: %w", share, path, err)
	}
	return n > 0, nil
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var _ StorageBackend = (*SQLiteBackend)(nil)

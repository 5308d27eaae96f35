package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	schemaVersion = 1
)

// SQLiteStore implements the MetadataStore interface using SQLite as the
// backing database. It provides durable, ACID-compliant metadata storage
// suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS shares (
			name          TEXT PRIMARY KEY,
			quota_gib     INTEGER NOT NULL DEFAULT 0,
			metadata      TEXT NOT NULL DEFAULT '{}',
			acl           TEXT NOT NULL DEFAULT '[]',
			etag          TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			last_modified TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			share            TEXT NOT NULL,
			path             TEXT NOT NULL,
			parent           TEXT NOT NULL,
			name             TEXT NOT NULL,
			kind             TEXT NOT NULL,
			size             INTEGER NOT NULL DEFAULT 0,
			content_md5      TEXT,
			content_type     TEXT,
			content_encoding TEXT,
			cache_control    TEXT,
			etag             TEXT NOT NULL,
			metadata         TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL,
			last_modified    TEXT NOT NULL,

			PRIMARY KEY (share, path),
			FOREIGN KEY (share) REFERENCES shares(name) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(share, parent, name);

		CREATE TABLE IF NOT EXISTS credentials (
			account_name TEXT PRIMARY KEY,
			account_key  TEXT NOT NULL,
			active       INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Ping checks that the database answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---- Share operations ----

// CreateShare inserts a new share row.
func (s *SQLiteStore) CreateShare(ctx context.Context, share *ShareRecord) error {
	meta, acl, err := encodeShareJSON(share)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shares (name, quota_gib, metadata, acl, etag, created_at, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		share.Name,
		share.QuotaGiB,
		meta,
		acl,
		share.ETag,
		share.CreatedAt.UTC().Format(timeFormat),
		share.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrShareExists, share.Name)
		}
		return fmt.Errorf("creating share %q: %w", share.Name, err)
	}
	return nil
}

// GetShare retrieves share metadata by name.
func (s *SQLiteStore) GetShare(ctx context.Context, name string) (*ShareRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, quota_gib, metadata, acl, etag, created_at, last_modified
		 FROM shares WHERE name = ?`,
		name,
	)
	share, err := scanShare(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting share %q: %w", name, err)
	}
	return share, nil
}

// UpdateShare replaces the mutable share fields.
func (s *SQLiteStore) UpdateShare(ctx context.Context, share *ShareRecord) error {
	meta, acl, err := encodeShareJSON(share)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE shares SET quota_gib = ?, metadata = ?, acl = ?, etag = ?, last_modified = ?
		 WHERE name = ?`,
		share.QuotaGiB,
		meta,
		acl,
		share.ETag,
		share.LastModified.UTC().Format(timeFormat),
		share.Name,
	)
	if err != nil {
		return fmt.Errorf("updating share %q: %w", share.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrShareNotFound, share.Name)
	}
	return nil
}

// DeleteShare removes a share and its entries in one transaction. The
// foreign key pragma is per connection, so the cascade is explicit.
func (s *SQLiteStore) DeleteShare(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE share = ?`, name); err != nil {
		return fmt.Errorf("deleting entries of share %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting share %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrShareNotFound, name)
	}
	return tx.Commit()
}

// ListShares returns one page of shares ordered by name.
func (s *SQLiteStore) ListShares(ctx context.Context, opts ListOptions) (*ListSharesResult, error) {
	limit := opts.limit()

	query := `SELECT name, quota_gib, metadata, acl, etag, created_at, last_modified
		 FROM shares WHERE name > ?`
	args := []any{opts.Marker}
	if opts.Prefix != "" {
		query += ` AND ` + prefixClause
		args = append(args, opts.Prefix, opts.Prefix)
	}
	query += fmt.Sprintf(` ORDER BY name LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	defer rows.Close()

	var shares []ShareRecord
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning share row: %w", err)
		}
		shares = append(shares, *share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating share rows: %w", err)
	}

	page, next := trimPage(shares, limit, shareName)
	return &ListSharesResult{Shares: page, NextMarker: next}, nil
}

// ---- Entry operations ----

const entryColumns = `share, path, parent, name, kind, size, content_md5, content_type,
	content_encoding, cache_control, etag, metadata, created_at, last_modified`

// CreateEntry inserts a new entry; the primary key rejects duplicates.
func (s *SQLiteStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	return s.insertEntry(ctx, "INSERT", entry)
}

// PutEntry inserts or replaces an entry.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry *EntryRecord) error {
	return s.insertEntry(ctx, "INSERT OR REPLACE", entry)
}

func (s *SQLiteStore) insertEntry(ctx context.Context, verb string, entry *EntryRecord) error {
	parent, name := splitEntryPath(entry.Path)
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encoding entry metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		verb+` INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Share,
		entry.Path,
		parent,
		name,
		string(entry.Kind),
		entry.Size,
		nullString(entry.ContentMD5),
		nullString(entry.ContentType),
		nullString(entry.ContentEncoding),
		nullString(entry.CacheControl),
		entry.ETag,
		string(meta),
		entry.CreatedAt.UTC().Format(timeFormat),
		entry.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("%w: %s/%s", ErrEntryExists, entry.Share, entry.Path)
		case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
			return fmt.Errorf("%w: %s", ErrShareNotFound, entry.Share)
		}
		return fmt.Errorf("writing entry %s/%s: %w", entry.Share, entry.Path, err)
	}
	return nil
}

// GetEntry retrieves one entry.
func (s *SQLiteStore) GetEntry(ctx context.Context, share, path string) (*EntryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE share = ? AND path = ?`,
		share, path,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %s/%s: %w", share, path, err)
	}
	return entry, nil
}

// DeleteEntry removes one entry.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, share, path string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE share = ? AND path = ?`, share, path)
	if err != nil {
		return fmt.Errorf("deleting entry %s/%s: %w", share, path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, share, path)
	}
	return nil
}

// ListEntries returns one page of the direct children of dir.
func (s *SQLiteStore) ListEntries(ctx context.Context, share, dir string, opts ListOptions) (*ListEntriesResult, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM shares WHERE name = ?`, share).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrShareNotFound, share)
	}
	if err != nil {
		return nil, fmt.Errorf("checking share %q: %w", share, err)
	}

	limit := opts.limit()
	query := `SELECT ` + entryColumns + ` FROM entries WHERE share = ? AND parent = ? AND name > ?`
	args := []any{share, dir, opts.Marker}
	if opts.Prefix != "" {
		query += ` AND ` + prefixClause
		args = append(args, opts.Prefix, opts.Prefix)
	}
	query += fmt.Sprintf(` ORDER BY name LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []EntryRecord
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entry rows: %w", err)
	}

	page, next := trimPage(entries, limit, entryName)
	return &ListEntriesResult{Entries: page, NextMarker: next}, nil
}

// ---- Credential operations ----

// GetCredential retrieves a credential by account name.
func (s *SQLiteStore) GetCredential(ctx context.Context, accountName string) (*CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_name, account_key, active, created_at
		 FROM credentials WHERE account_name = ?`,
		accountName,
	)

	var c CredentialRecord
	var active int
	var createdAtStr string
	err := row.Scan(&c.AccountName, &c.AccountKey, &active, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accountName, err)
	}
	c.Active = active != 0
	c.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	return &c, nil
}

// PutCredential creates or updates a credential record.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	active := 0
	if cred.Active {
		active = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials (account_name, account_key, active, created_at)
		 VALUES (?, ?, ?, ?)`,
		cred.AccountName,
		cred.AccountKey,
		active,
		cred.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting credential %q: %w", cred.AccountName, err)
	}
	return nil
}

// ---- Helper functions ----

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (*ShareRecord, error) {
	var share ShareRecord
	var metaStr, aclStr, createdStr, modifiedStr string
	if err := row.Scan(&share.Name, &share.QuotaGiB, &metaStr, &aclStr, &share.ETag, &createdStr, &modifiedStr); err != nil {
		return nil, err
	}
	share.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	share.LastModified, _ = time.Parse(timeFormat, modifiedStr)
	if metaStr != "" && metaStr != "{}" && metaStr != "null" {
		if err := json.Unmarshal([]byte(metaStr), &share.Metadata); err != nil {
			return nil, fmt.Errorf("decoding share metadata: %w", err)
		}
	}
	if aclStr != "" && aclStr != "[]" && aclStr != "null" {
		if err := json.Unmarshal([]byte(aclStr), &share.ACL); err != nil {
			return nil, fmt.Errorf("decoding share acl: %w", err)
		}
	}
	return &share, nil
}

func scanEntry(row rowScanner) (*EntryRecord, error) {
	var e EntryRecord
	var kind, metaStr, createdStr, modifiedStr string
	var md5, contentType, contentEncoding, cacheControl sql.NullString
	err := row.Scan(
		&e.Share, &e.Path, &e.Parent, &e.Name, &kind, &e.Size,
		&md5, &contentType, &contentEncoding, &cacheControl,
		&e.ETag, &metaStr, &createdStr, &modifiedStr,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = EntryKind(kind)
	e.ContentMD5 = md5.String
	e.ContentType = contentType.String
	e.ContentEncoding = contentEncoding.String
	e.CacheControl = cacheControl.String
	e.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	e.LastModified, _ = time.Parse(timeFormat, modifiedStr)
	if metaStr != "" && metaStr != "{}" && metaStr != "null" {
		if err := json.Unmarshal([]byte(metaStr), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding entry metadata: %w", err)
		}
	}
	return &e, nil
}

func encodeShareJSON(share *ShareRecord) (meta, acl string, err error) {
	m, err := json.Marshal(share.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("encoding share metadata: %w", err)
	}
	a, err := json.Marshal(share.ACL)
	if err != nil {
		return "", "", fmt.Errorf("encoding share acl: %w", err)
	}
	return string(m), string(a), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

// nullString converts a Go string to sql.NullString. Empty strings become NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// prefixClause matches names starting with a bound prefix (bound twice).
// LIKE is case-insensitive for ASCII in SQLite, and names are not.
const prefixClause = `substr(name, 1, length(?)) = ?`

var _ MetadataStore = (*SQLiteStore)(nil)

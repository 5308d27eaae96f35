// Package metadata defines the interface and implementations for BleepFile's
// metadata storage layer, which tracks shares, directory and file entries,
// and account credentials.
package metadata

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"time"
)

// DefaultMaxResults is the page size used when a listing does not ask for one.
const DefaultMaxResults = 5000

// Sentinel errors returned (wrapped) by every MetadataStore implementation.
var (
	ErrShareExists    = errors.New("share already exists")
	ErrShareNotFound  = errors.New("share not found")
	ErrEntryExists    = errors.New("entry already exists")
	ErrEntryNotFound  = errors.New("entry not found")
	ErrParentNotFound = errors.New("parent directory not found")
	ErrTypeMismatch   = errors.New("entry type mismatch")
)

// SignedIdentifier is a stored access policy on a share.
type SignedIdentifier struct {
	ID         string    `json:"id"`
	Start      time.Time `json:"start,omitzero"`
	Expiry     time.Time `json:"expiry,omitzero"`
	Permission string    `json:"permission,omitempty"`
}

// ShareRecord represents the metadata for a single share.
type ShareRecord struct {
	Name         string
	QuotaGiB     int
	Metadata     map[string]string
	ACL          []SignedIdentifier
	ETag         string
	CreatedAt    time.Time
	LastModified time.Time
}

// EntryKind distinguishes files from directories.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
)

// EntryRecord represents a file or directory inside a share. Path is the
// slash-separated path from the share root without a leading slash; Parent
// and Name are derived from it.
type EntryRecord struct {
	Share           string
	Path            string
	Parent          string
	Name            string
	Kind            EntryKind
	Size            int64
	ContentMD5      string // base64
	ContentType     string
	ContentEncoding string
	CacheControl    string
	ETag            string
	Metadata        map[string]string
	CreatedAt       time.Time
	LastModified    time.Time
}

// IsDir reports whether the entry is a directory.
func (e *EntryRecord) IsDir() bool { return e.Kind == KindDirectory }

// CredentialRecord is an account name and its base64 shared key.
type CredentialRecord struct {
	AccountName string
	AccountKey  string
	Active      bool
	CreatedAt   time.Time
}

// ListOptions selects one page of a listing. Marker is an exclusive lower
// bound on item names; MaxResults <= 0 means DefaultMaxResults.
type ListOptions struct {
	Prefix     string
	Marker     string
	MaxResults int
}

func (o ListOptions) limit() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

// ListSharesResult holds one page of shares. NextMarker is empty on the last
// page.
type ListSharesResult struct {
	Shares     []ShareRecord
	NextMarker string
}

// ListEntriesResult holds one page of directory entries. NextMarker is empty
// on the last page.
type ListEntriesResult struct {
	Entries    []EntryRecord
	NextMarker string
}

// MetadataStore defines the interface for all metadata operations required by
// BleepFile. Implementations must be safe for concurrent use. Get methods
// return (nil, nil) when the record does not exist.
type MetadataStore interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// CreateShare creates a share record; ErrShareExists if present.
	CreateShare(ctx context.Context, share *ShareRecord) error

	// GetShare retrieves the named share.
	GetShare(ctx context.Context, name string) (*ShareRecord, error)

	// UpdateShare replaces quota, metadata, ACL, ETag and LastModified of an
	// existing share; ErrShareNotFound if absent.
	UpdateShare(ctx context.Context, share *ShareRecord) error

	// DeleteShare removes the share and every entry in it.
	DeleteShare(ctx context.Context, name string) error

	// ListShares returns shares ordered by name.
	ListShares(ctx context.Context, opts ListOptions) (*ListSharesResult, error)

	// CreateEntry creates a file or directory entry; ErrEntryExists if the
	// path is taken.
	CreateEntry(ctx context.Context, entry *EntryRecord) error

	// PutEntry creates or replaces an entry.
	PutEntry(ctx context.Context, entry *EntryRecord) error

	// GetEntry retrieves the entry at path.
	GetEntry(ctx context.Context, share, path string) (*EntryRecord, error)

	// DeleteEntry removes the entry at path; ErrEntryNotFound if absent.
	DeleteEntry(ctx context.Context, share, path string) error

	// ListEntries returns the direct children of dir ordered by name. The
	// empty dir is the share root.
	ListEntries(ctx context.Context, share, dir string, opts ListOptions) (*ListEntriesResult, error)

	// GetCredential retrieves a credential record by account name.
	GetCredential(ctx context.Context, accountName string) (*CredentialRecord, error)

	// PutCredential creates or updates a credential record.
	PutCredential(ctx context.Context, cred *CredentialRecord) error
}

// splitEntryPath returns the parent directory and final component of p.
func splitEntryPath(p string) (parent, name string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i], p[i+1:]
		}
	}
	return "", p
}

// normalizeEntry fills the derived Parent and Name fields.
func normalizeEntry(e *EntryRecord) {
	e.Parent, e.Name = splitEntryPath(e.Path)
}

func copyShare(s *ShareRecord) *ShareRecord {
	cp := *s
	cp.Metadata = maps.Clone(s.Metadata)
	cp.ACL = slices.Clone(s.ACL)
	return &cp
}

func copyEntry(e *EntryRecord) *EntryRecord {
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	return &cp
}

// trimPage cuts a sorted result fetched with limit+1 rows down to limit and
// returns the marker for the next page, or "" when nothing remains.
func trimPage[T any](items []T, limit int, name func(*T) string) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, name(&items[limit-1])
}

func shareName(s *ShareRecord) string { return s.Name }

func entryName(e *EntryRecord) string { return e.Name }

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// DirectoryClient operates on one directory. The zero path is the share
// root.
type DirectoryClient struct {
	conn  *conn
	share string
	path  string
}

// Path returns the directory path within the share.
func (d *DirectoryClient) Path() string { return d.path }

// NewSubdirectoryClient returns a client for the child directory name.
func (d *DirectoryClient) NewSubdirectoryClient(name string) *DirectoryClient {
	return &DirectoryClient{conn: d.conn, share: d.share, path: naming.Join(d.path, name)}
}

// NewFileClient returns a client for the child file name.
func (d *DirectoryClient) NewFileClient(name string) *FileClient {
	return &FileClient{conn: d.conn, share: d.share, path: naming.Join(d.path, name)}
}

func (d *DirectoryClient) validate() error {
	if err := naming.ValidateShareName(d.share); err != nil {
		return err
	}
	return naming.ValidateDirectoryPath(d.path)
}

func directoryQuery(comp string) url.Values {
	q := url.Values{"restype": {"directory"}}
	if comp != "" {
		q.Set("comp", comp)
	}
	return q
}

// CreateDirectoryOptions are the optional settings of a new directory.
type CreateDirectoryOptions struct {
	Metadata map[string]string
}

// Create creates the directory. Its parent must exist.
func (d *DirectoryClient) Create(ctx context.Context, opts *CreateDirectoryOptions) (ResponseInfo, error) {
	if err := d.validate(); err != nil {
		return ResponseInfo{}, err
	}
	req := &request{method: http.MethodPut, share: d.share, path: d.path, query: directoryQuery("")}
	if opts != nil {
		if err := naming.ValidateMetadata(opts.Metadata); err != nil {
			return ResponseInfo{}, err
		}
		setMetadata(req.header(), opts.Metadata)
	}
	return d.conn.doDiscard(ctx, req)
}

// Delete deletes the directory. It must be empty.
func (d *DirectoryClient) Delete(ctx context.Context) error {
	if err := d.validate(); err != nil {
		return err
	}
	_, err := d.conn.doDiscard(ctx, &request{method: http.MethodDelete, share: d.share, path: d.path, query: directoryQuery("")})
	return err
}

// DirectoryProperties are the properties of a directory.
type DirectoryProperties struct {
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// GetProperties reads the directory's properties and metadata.
func (d *DirectoryClient) GetProperties(ctx context.Context) (DirectoryProperties, error) {
	if err := d.validate(); err != nil {
		return DirectoryProperties{}, err
	}
	resp, err := d.conn.do(ctx, &request{
		method:   http.MethodHead,
		share:    d.share,
		path:     d.path,
		query:    directoryQuery(""),
		location: d.conn.resolveLocation(nil, paging.LocationUnset),
	})
	if err != nil {
		return DirectoryProperties{}, err
	}
	resp.Body.Close()
	info := responseInfo(resp)
	return DirectoryProperties{
		ETag:         info.ETag,
		LastModified: info.LastModified,
		Metadata:     readMetadata(resp.Header),
	}, nil
}

// SetMetadata replaces the directory's metadata.
func (d *DirectoryClient) SetMetadata(ctx context.Context, md map[string]string) (ResponseInfo, error) {
	if err := d.validate(); err != nil {
		return ResponseInfo{}, err
	}
	if err := naming.ValidateMetadata(md); err != nil {
		return ResponseInfo{}, err
	}
	req := &request{method: http.MethodPut, share: d.share, path: d.path, query: directoryQuery("metadata")}
	setMetadata(req.header(), md)
	return d.conn.doDiscard(ctx, req)
}

// DirectoryEntry is one file or subdirectory in a listing.
type DirectoryEntry struct {
	Name        string
	IsDirectory bool
	// Size is the content length of a file; zero for directories.
	Size     int64
	Metadata map[string]string
}

// ListFilesAndDirectoriesOptions filters and sizes a directory listing.
type ListFilesAndDirectoriesOptions struct {
	Prefix string
	// MaxResults is the page size. Zero uses the service default.
	MaxResults      int
	IncludeMetadata bool
	// Location overrides the client's default read location.
	Location paging.LocationMode
}

// ListFilesAndDirectoriesSegment fetches the page of direct children that
// starts at token (nil for the first page). Files and directories share one
// name order.
func (d *DirectoryClient) ListFilesAndDirectoriesSegment(ctx context.Context, opts *ListFilesAndDirectoriesOptions, token *paging.ContinuationToken) (paging.Page[DirectoryEntry], error) {
	if err := d.validate(); err != nil {
		return paging.Page[DirectoryEntry]{}, err
	}
	if opts == nil {
		opts = &ListFilesAndDirectoriesOptions{}
	}
	q, err := listQuery(opts.Prefix, opts.MaxResults, opts.IncludeMetadata, token)
	if err != nil {
		return paging.Page[DirectoryEntry]{}, err
	}
	q.Set("restype", "directory")

	loc := d.conn.resolveLocation(token, opts.Location)
	resp, err := d.conn.do(ctx, &request{method: http.MethodGet, share: d.share, path: d.path, query: q, location: loc})
	if err != nil {
		return paging.Page[DirectoryEntry]{}, err
	}
	defer resp.Body.Close()

	var res xmlutil.EntryEnumerationResults
	if err := xmlutil.Decode(resp.Body, &res); err != nil {
		return paging.Page[DirectoryEntry]{}, fmt.Errorf("decoding directory listing: %w", err)
	}
	items := make([]DirectoryEntry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entry := DirectoryEntry{Name: e.Name, IsDirectory: e.IsDir(), Metadata: e.Metadata}
		if e.Properties != nil {
			entry.Size = e.Properties.ContentLength
		}
		items = append(items, entry)
	}
	return paging.Page[DirectoryEntry]{
		Items:        items,
		Continuation: paging.NewContinuationToken(res.NextMarker, loc),
	}, nil
}

// NewListFilesAndDirectoriesPager returns a pager over every direct child
// matching opts.
func (d *DirectoryClient) NewListFilesAndDirectoriesPager(opts *ListFilesAndDirectoriesOptions) *paging.Pager[DirectoryEntry] {
	return paging.NewPager(func(ctx context.Context, token *paging.ContinuationToken) (paging.Page[DirectoryEntry], error) {
		return d.ListFilesAndDirectoriesSegment(ctx, opts, token)
	}, nil)
}

package client

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// ShareClient operates on one share.
type ShareClient struct {
	conn *conn
	name string
}

// Name returns the share name.
func (s *ShareClient) Name() string { return s.name }

// NewRootDirectoryClient returns a client for the share's root directory.
func (s *ShareClient) NewRootDirectoryClient() *DirectoryClient {
	return &DirectoryClient{conn: s.conn, share: s.name}
}

// NewDirectoryClient returns a client for the directory at path.
func (s *ShareClient) NewDirectoryClient(path string) *DirectoryClient {
	return &DirectoryClient{conn: s.conn, share: s.name, path: naming.CleanPath(path)}
}

// NewFileClient returns a client for the file at path.
func (s *ShareClient) NewFileClient(path string) *FileClient {
	return &FileClient{conn: s.conn, share: s.name, path: naming.CleanPath(path)}
}

func shareQuery(comp string) url.Values {
	q := url.Values{"restype": {"share"}}
	if comp != "" {
		q.Set("comp", comp)
	}
	return q
}

// CreateShareOptions are the optional settings of a new share.
type CreateShareOptions struct {
	// QuotaGiB is the share size limit. Zero uses the service maximum.
	QuotaGiB int
	Metadata map[string]string
}

// Create creates the share.
func (s *ShareClient) Create(ctx context.Context, opts *CreateShareOptions) (ResponseInfo, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return ResponseInfo{}, err
	}
	req := &request{method: http.MethodPut, share: s.name, query: shareQuery("")}
	if opts != nil {
		if err := naming.ValidateMetadata(opts.Metadata); err != nil {
			return ResponseInfo{}, err
		}
		setMetadata(req.header(), opts.Metadata)
		if opts.QuotaGiB > 0 {
			req.header().Set("x-ms-share-quota", strconv.Itoa(opts.QuotaGiB))
		}
	}
	return s.conn.doDiscard(ctx, req)
}

// Delete deletes the share with all its directories and files.
func (s *ShareClient) Delete(ctx context.Context) error {
	if err := naming.ValidateShareName(s.name); err != nil {
		return err
	}
	_, err := s.conn.doDiscard(ctx, &request{method: http.MethodDelete, share: s.name, query: shareQuery("")})
	return err
}

// ShareProperties are the properties of a share.
type ShareProperties struct {
	ETag         string
	LastModified time.Time
	QuotaGiB     int
	Metadata     map[string]string
}

// GetProperties reads the share's properties and metadata.
func (s *ShareClient) GetProperties(ctx context.Context) (ShareProperties, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return ShareProperties{}, err
	}
	resp, err := s.conn.do(ctx, &request{
		method:   http.MethodHead,
		share:    s.name,
		query:    shareQuery(""),
		location: s.conn.resolveLocation(nil, paging.LocationUnset),
	})
	if err != nil {
		return ShareProperties{}, err
	}
	resp.Body.Close()

	info := responseInfo(resp)
	quota, _ := strconv.Atoi(resp.Header.Get("x-ms-share-quota"))
	return ShareProperties{
		ETag:         info.ETag,
		LastModified: info.LastModified,
		QuotaGiB:     quota,
		Metadata:     readMetadata(resp.Header),
	}, nil
}

// SetMetadata replaces the share's metadata.
func (s *ShareClient) SetMetadata(ctx context.Context, md map[string]string) (ResponseInfo, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return ResponseInfo{}, err
	}
	if err := naming.ValidateMetadata(md); err != nil {
		return ResponseInfo{}, err
	}
	req := &request{method: http.MethodPut, share: s.name, query: shareQuery("metadata")}
	setMetadata(req.header(), md)
	return s.conn.doDiscard(ctx, req)
}

// SetQuota changes the share's size limit in GiB.
func (s *ShareClient) SetQuota(ctx context.Context, quotaGiB int) (ResponseInfo, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return ResponseInfo{}, err
	}
	req := &request{method: http.MethodPut, share: s.name, query: shareQuery("properties")}
	req.header().Set("x-ms-share-quota", strconv.Itoa(quotaGiB))
	return s.conn.doDiscard(ctx, req)
}

// SignedIdentifier is a stored access policy that SAS tokens can reference
// by ID.
type SignedIdentifier struct {
	ID          string
	Start       time.Time
	Expiry      time.Time
	Permissions string
}

// GetAccessPolicy returns the share's stored access policies.
func (s *ShareClient) GetAccessPolicy(ctx context.Context) ([]SignedIdentifier, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return nil, err
	}
	resp, err := s.conn.do(ctx, &request{
		method:   http.MethodGet,
		share:    s.name,
		query:    shareQuery("acl"),
		location: s.conn.resolveLocation(nil, paging.LocationUnset),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc xmlutil.SignedIdentifiers
	if err := xmlutil.Decode(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("decoding access policy: %w", err)
	}
	out := make([]SignedIdentifier, 0, len(doc.Items))
	for _, item := range doc.Items {
		start, err := xmlutil.ParseTimeISO(item.AccessPolicy.Start)
		if err != nil {
			return nil, err
		}
		expiry, err := xmlutil.ParseTimeISO(item.AccessPolicy.Expiry)
		if err != nil {
			return nil, err
		}
		out = append(out, SignedIdentifier{
			ID:          item.ID,
			Start:       start,
			Expiry:      expiry,
			Permissions: item.AccessPolicy.Permission,
		})
	}
	return out, nil
}

// SetAccessPolicy replaces the share's stored access policies. An empty
// list removes them all.
func (s *ShareClient) SetAccessPolicy(ctx context.Context, ids []SignedIdentifier) (ResponseInfo, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return ResponseInfo{}, err
	}
	doc := xmlutil.SignedIdentifiers{}
	for _, id := range ids {
		doc.Items = append(doc.Items, xmlutil.SignedIdentifier{
			ID: id.ID,
			AccessPolicy: xmlutil.AccessPolicy{
				Start:      xmlutil.FormatTimeISO(id.Start),
				Expiry:     xmlutil.FormatTimeISO(id.Expiry),
				Permission: id.Permissions,
			},
		})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return ResponseInfo{}, err
	}
	req := &request{
		method: http.MethodPut,
		share:  s.name,
		query:  shareQuery("acl"),
		body:   bytes.NewReader(body),
		size:   int64(len(body)),
	}
	req.header().Set("Content-Type", "application/xml")
	return s.conn.doDiscard(ctx, req)
}

// ShareStatistics is the usage of a share.
type ShareStatistics struct {
	UsageBytes     int64
	FileCount      int64
	DirectoryCount int64
}

// GetStatistics returns the share's usage.
func (s *ShareClient) GetStatistics(ctx context.Context) (ShareStatistics, error) {
	if err := naming.ValidateShareName(s.name); err != nil {
		return ShareStatistics{}, err
	}
	resp, err := s.conn.do(ctx, &request{
		method:   http.MethodGet,
		share:    s.name,
		query:    shareQuery("stats"),
		location: s.conn.resolveLocation(nil, paging.LocationUnset),
	})
	if err != nil {
		return ShareStatistics{}, err
	}
	defer resp.Body.Close()

	var st xmlutil.ShareStats
	if err := xmlutil.Decode(resp.Body, &st); err != nil {
		return ShareStatistics{}, fmt.Errorf("decoding share stats: %w", err)
	}
	return ShareStatistics{
		UsageBytes:     st.ShareUsageBytes,
		FileCount:      st.FileCount,
		DirectoryCount: st.DirectoryCount,
	}, nil
}

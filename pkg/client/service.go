package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bleepstore/bleepfile/internal/xmlutil"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// ServiceClient operates on the account: listing shares and creating share
// clients.
type ServiceClient struct {
	conn *conn
}

// NewServiceClient returns a client for the service at primaryURL. cred may
// be nil when opts carries a SAS or the service does not require auth.
func NewServiceClient(primaryURL string, cred *SharedKeyCredential, opts *ClientOptions) (*ServiceClient, error) {
	c, err := newConn(primaryURL, cred, opts)
	if err != nil {
		return nil, err
	}
	return &ServiceClient{conn: c}, nil
}

// NewShareClient returns a client for the named share. The name is
// validated when an operation is called.
func (s *ServiceClient) NewShareClient(name string) *ShareClient {
	return &ShareClient{conn: s.conn, name: name}
}

// ShareItem is one share in a listing.
type ShareItem struct {
	Name         string
	ETag         string
	LastModified time.Time
	QuotaGiB     int
	Metadata     map[string]string
}

// ListSharesOptions filters and sizes a share listing.
type ListSharesOptions struct {
	Prefix string
	// MaxResults is the page size. Zero uses the service default.
	MaxResults int
	// IncludeMetadata returns each share's metadata.
	IncludeMetadata bool
	// Location overrides the client's default read location.
	Location paging.LocationMode
}

// listQuery builds the query shared by every listing.
func listQuery(prefix string, maxResults int, includeMetadata bool, token *paging.ContinuationToken) (url.Values, error) {
	if maxResults < 0 {
		return nil, fmt.Errorf("client: MaxResults must not be negative, got %d", maxResults)
	}
	q := url.Values{}
	q.Set("comp", "list")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if maxResults > 0 {
		q.Set("maxresults", strconv.Itoa(maxResults))
	}
	if includeMetadata {
		q.Set("include", "metadata")
	}
	if token != nil {
		q.Set("marker", token.NextMarker)
	}
	return q, nil
}

// ListSharesSegment fetches the page of shares that starts at token (nil for
// the first page). The returned continuation is nil on the last page and
// otherwise names the location that served this page.
func (s *ServiceClient) ListSharesSegment(ctx context.Context, opts *ListSharesOptions, token *paging.ContinuationToken) (paging.Page[ShareItem], error) {
	if opts == nil {
		opts = &ListSharesOptions{}
	}
	q, err := listQuery(opts.Prefix, opts.MaxResults, opts.IncludeMetadata, token)
	if err != nil {
		return paging.Page[ShareItem]{}, err
	}
	loc := s.conn.resolveLocation(token, opts.Location)
	resp, err := s.conn.do(ctx, &request{method: http.MethodGet, query: q, location: loc})
	if err != nil {
		return paging.Page[ShareItem]{}, err
	}
	defer resp.Body.Close()

	var res xmlutil.ShareEnumerationResults
	if err := xmlutil.Decode(resp.Body, &res); err != nil {
		return paging.Page[ShareItem]{}, fmt.Errorf("decoding share listing: %w", err)
	}
	items := make([]ShareItem, 0, len(res.Shares))
	for _, sh := range res.Shares {
		lm, _ := http.ParseTime(sh.Properties.LastModified)
		items = append(items, ShareItem{
			Name:         sh.Name,
			ETag:         sh.Properties.Etag,
			LastModified: lm,
			QuotaGiB:     sh.Properties.Quota,
			Metadata:     sh.Metadata,
		})
	}
	return paging.Page[ShareItem]{
		Items:        items,
		Continuation: paging.NewContinuationToken(res.NextMarker, loc),
	}, nil
}

// NewListSharesPager returns a pager over every share matching opts.
func (s *ServiceClient) NewListSharesPager(opts *ListSharesOptions) *paging.Pager[ShareItem] {
	return paging.NewPager(func(ctx context.Context, token *paging.ContinuationToken) (paging.Page[ShareItem], error) {
		return s.ListSharesSegment(ctx, opts, token)
	}, nil)
}

// ServiceProperties are the listing limits and role of the service.
type ServiceProperties struct {
	DefaultMaxResults int
	MaxResults        int
	ReadOnly          bool
}

// GetProperties reads the service properties from the default location.
func (s *ServiceClient) GetProperties(ctx context.Context) (ServiceProperties, error) {
	q := url.Values{"restype": {"service"}, "comp": {"properties"}}
	resp, err := s.conn.do(ctx, &request{
		method:   http.MethodGet,
		query:    q,
		location: s.conn.resolveLocation(nil, paging.LocationUnset),
	})
	if err != nil {
		return ServiceProperties{}, err
	}
	defer resp.Body.Close()

	var props xmlutil.StorageServiceProperties
	if err := xmlutil.Decode(resp.Body, &props); err != nil {
		return ServiceProperties{}, fmt.Errorf("decoding service properties: %w", err)
	}
	return ServiceProperties{
		DefaultMaxResults: props.Listing.DefaultMaxResults,
		MaxResults:        props.Listing.MaxResults,
		ReadOnly:          props.ReadOnly,
	}, nil
}

// Package client is the Go SDK for the BleepFile file service. It signs
// requests with a shared key or a SAS, validates resource names before any
// network call, and exposes every listing as a paging.Pager.
//
// Read operations may be served by a secondary endpoint. Each read resolves
// its location from the continuation token, then the call options, then the
// client default; writes always go to the primary endpoint.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bleepstore/bleepfile/internal/auth"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// SharedKeyCredential is an account name and its base64 shared key.
type SharedKeyCredential struct {
	AccountName string
	signer      *auth.Signer
}

// NewSharedKeyCredential validates the key and returns a credential.
func NewSharedKeyCredential(accountName, accountKey string) (*SharedKeyCredential, error) {
	signer, err := auth.NewSigner(accountName, accountKey)
	if err != nil {
		return nil, err
	}
	return &SharedKeyCredential{AccountName: accountName, signer: signer}, nil
}

// ClientOptions configures a ServiceClient and every client derived from it.
type ClientOptions struct {
	// SecondaryURL is the read-only endpoint used for the Secondary location.
	SecondaryURL string
	// Location is the default location of read operations. Unset means
	// Primary.
	Location paging.LocationMode
	// HTTPClient sends the requests. nil uses http.DefaultClient.
	HTTPClient *http.Client
	// SAS is a shared access signature query string, with or without the
	// leading "?". It is used instead of a shared key credential.
	SAS string
	// Version is sent as x-ms-version. Empty uses the service default.
	Version string
}

// ResponseInfo carries the common headers of a write response.
type ResponseInfo struct {
	ETag         string
	LastModified time.Time
	RequestID    string
}

// conn holds the endpoints and credentials shared by all clients of one
// service.
type conn struct {
	primary   *url.URL
	secondary *url.URL
	location  paging.LocationMode
	http      *http.Client
	cred      *SharedKeyCredential
	sas       url.Values
	version   string
}

func newConn(primaryURL string, cred *SharedKeyCredential, opts *ClientOptions) (*conn, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	primary, err := parseEndpoint(primaryURL)
	if err != nil {
		return nil, fmt.Errorf("primary endpoint: %w", err)
	}
	c := &conn{
		primary:  primary,
		location: opts.Location,
		http:     opts.HTTPClient,
		cred:     cred,
		version:  opts.Version,
	}
	if !c.location.Valid() {
		return nil, fmt.Errorf("unknown location %q", opts.Location)
	}
	if opts.SecondaryURL != "" {
		if c.secondary, err = parseEndpoint(opts.SecondaryURL); err != nil {
			return nil, fmt.Errorf("secondary endpoint: %w", err)
		}
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.version == "" {
		c.version = auth.DefaultVersion
	}
	if opts.SAS != "" {
		if c.sas, err = url.ParseQuery(strings.TrimPrefix(opts.SAS, "?")); err != nil {
			return nil, fmt.Errorf("SAS: %w", err)
		}
	}
	return c, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	return u, nil
}

// resolveLocation applies the read location order: token, call options,
// client default, Primary.
func (c *conn) resolveLocation(token *paging.ContinuationToken, call paging.LocationMode) paging.LocationMode {
	switch {
	case token != nil && token.TargetLocation != paging.LocationUnset:
		return token.TargetLocation
	case call != paging.LocationUnset:
		return call
	case c.location != paging.LocationUnset:
		return c.location
	}
	return paging.LocationPrimary
}

func (c *conn) endpoint(loc paging.LocationMode) (*url.URL, error) {
	switch loc {
	case paging.LocationPrimary:
		return c.primary, nil
	case paging.LocationSecondary:
		if c.secondary == nil {
			return nil, ErrNoSecondary
		}
		return c.secondary, nil
	}
	return nil, fmt.Errorf("unknown location %q", loc)
}

// request describes one service call.
type request struct {
	method string
	// share and path name the resource; both empty for the service root.
	share string
	path  string
	query url.Values
	hdr   http.Header
	body  io.Reader
	size  int64
	// location is the resolved location of a read. Writes leave it unset
	// and go to the primary.
	location paging.LocationMode
}

func (r *request) header() http.Header {
	if r.hdr == nil {
		r.hdr = make(http.Header)
	}
	return r.hdr
}

// do sends req and returns the response when its status is below 300 or
// 304. Any other status becomes a *StorageError.
func (c *conn) do(ctx context.Context, req *request) (*http.Response, error) {
	loc := req.location
	if loc == paging.LocationUnset {
		loc = paging.LocationPrimary
	}
	base, err := c.endpoint(loc)
	if err != nil {
		return nil, err
	}

	u := *base
	u.Path = base.Path + "/" + req.share
	if req.path != "" {
		u.Path += "/" + req.path
	}
	q := url.Values{}
	for k, v := range req.query {
		q[k] = v
	}
	for k, v := range c.sas {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	body := req.body
	if body == nil || req.size == 0 {
		body = http.NoBody
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.ContentLength = req.size
	for k, v := range req.hdr {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("x-ms-version", c.version)
	if c.cred != nil && len(c.sas) == 0 {
		c.cred.signer.SignRequest(httpReq, time.Now())
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotModified {
		defer resp.Body.Close()
		return nil, newStorageError(resp)
	}
	return resp, nil
}

// doDiscard sends req and closes the response body.
func (c *conn) doDiscard(ctx context.Context, req *request) (ResponseInfo, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return ResponseInfo{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return responseInfo(resp), nil
}

func responseInfo(resp *http.Response) ResponseInfo {
	lm, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return ResponseInfo{
		ETag:         resp.Header.Get("ETag"),
		LastModified: lm,
		RequestID:    resp.Header.Get("x-ms-request-id"),
	}
}

// setMetadata adds x-ms-meta-* headers.
func setMetadata(h http.Header, md map[string]string) {
	for k, v := range md {
		h.Set("x-ms-meta-"+k, v)
	}
}

// readMetadata collects x-ms-meta-* response headers with lowercase names.
func readMetadata(h http.Header) map[string]string {
	var md map[string]string
	for k, v := range h {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, "x-ms-meta-") || len(v) == 0 {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		md[strings.TrimPrefix(lower, "x-ms-meta-")] = v[0]
	}
	return md
}

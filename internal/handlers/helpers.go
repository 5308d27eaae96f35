// Package handlers implements the HTTP handlers of the file service REST
// protocol: the service, shares, directories and files.
package handlers

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

const (
	metaHeaderPrefix = "x-ms-meta-"

	// Share quota bounds in GiB.
	minShareQuotaGiB = 1
	maxShareQuotaGiB = 5120

	// maxSignedIdentifiers is the number of stored access policies a share
	// may carry.
	maxSignedIdentifiers = 5

	gib = int64(1) << 30
)

// Options carries the server settings the handlers depend on.
type Options struct {
	// DefaultMaxResults is the page size of a list request without maxresults.
	DefaultMaxResults int
	// MaxResults caps the page size a client may ask for.
	MaxResults int
	// MaxFileSize is the largest accepted file body in bytes. Zero means
	// unlimited.
	MaxFileSize int64
	// ReadOnly is reported by the service properties of a secondary.
	ReadOnly bool
}

func (o Options) withDefaults() Options {
	if o.MaxResults <= 0 {
		o.MaxResults = metadata.DefaultMaxResults
	}
	if o.DefaultMaxResults <= 0 || o.DefaultMaxResults > o.MaxResults {
		o.DefaultMaxResults = o.MaxResults
	}
	return o
}

// extractShareName returns the first path segment of the request.
func extractShareName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractEntryPath returns the path below the share, without surrounding
// slashes. It is empty for the share root.
func extractEntryPath(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return naming.CleanPath(path[idx+1:])
}

// requireShare fetches the named share, writing the error response and
// returning nil when it does not exist.
func requireShare(w http.ResponseWriter, r *http.Request, meta metadata.MetadataStore, name string) *metadata.ShareRecord {
	if meta == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return nil
	}
	if err := naming.ValidateShareName(name); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return nil
	}
	share, err := meta.GetShare(r.Context(), name)
	if err != nil {
		slog.Error("GetShare error", "error", err, "share", name)
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return nil
	}
	if share == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrShareNotFound)
		return nil
	}
	return share
}

// requireParent checks that the parent directory of path exists, writing
// ParentNotFound when it does not.
func requireParent(w http.ResponseWriter, r *http.Request, meta metadata.MetadataStore, share, path string) bool {
	parent, _ := naming.Parent(path)
	if parent == "" {
		return true
	}
	entry, err := meta.GetEntry(r.Context(), share, parent)
	if err != nil {
		writeStoreError(w, r, "GetEntry", err)
		return false
	}
	if entry == nil || !entry.IsDir() {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrParentNotFound)
		return false
	}
	return true
}

// serviceEndpoint is the base URL reported in listing results.
func serviceEndpoint(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

// nameError converts a naming validation failure to a wire error.
func nameError(err error) *fserr.FileError {
	var nErr *naming.Error
	if errors.As(err, &nErr) && nErr.Kind == naming.KindMetadata {
		return fserr.ErrInvalidMetadata.WithMessage("%s", nErr.Error())
	}
	return fserr.ErrInvalidResourceName.WithMessage("%s", err.Error())
}

// extractMetadata collects x-ms-meta-* headers. Names are lowercased because
// metadata names are case-insensitive.
func extractMetadata(r *http.Request) (map[string]string, *fserr.FileError) {
	md := make(map[string]string)
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if !strings.HasPrefix(lower, metaHeaderPrefix) || len(values) == 0 {
			continue
		}
		md[lower[len(metaHeaderPrefix):]] = values[0]
	}
	if len(md) == 0 {
		return nil, nil
	}
	if err := naming.ValidateMetadata(md); err != nil {
		return nil, nameError(err)
	}
	return md, nil
}

// setMetadataHeaders emits metadata as x-ms-meta-* response headers.
func setMetadataHeaders(w http.ResponseWriter, md map[string]string) {
	for k, v := range md {
		w.Header().Set(metaHeaderPrefix+k, v)
	}
}

// newETag returns a fresh opaque entity tag.
func newETag(t time.Time) string {
	return fmt.Sprintf("\"0x%X\"", t.UnixNano())
}

// storeError maps a metadata store sentinel to its wire error. The second
// result is false for unexpected errors.
func storeError(err error) (*fserr.FileError, bool) {
	switch {
	case errors.Is(err, metadata.ErrShareNotFound):
		return fserr.ErrShareNotFound, true
	case errors.Is(err, metadata.ErrShareExists):
		return fserr.ErrShareAlreadyExists, true
	case errors.Is(err, metadata.ErrEntryExists):
		return fserr.ErrResourceAlreadyExists, true
	case errors.Is(err, metadata.ErrEntryNotFound):
		return fserr.ErrResourceNotFound, true
	case errors.Is(err, metadata.ErrParentNotFound):
		return fserr.ErrParentNotFound, true
	case errors.Is(err, metadata.ErrTypeMismatch):
		return fserr.ErrResourceTypeMismatch, true
	case errors.Is(err, naming.ErrInvalidName):
		return nameError(err), true
	}
	return nil, false
}

// writeStoreError renders err, logging it when it has no wire mapping.
func writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if fErr, ok := storeError(err); ok {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	slog.Error(op+" error", "error", err, "path", r.URL.Path)
	xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
}

// parseListOptions reads prefix, marker, maxresults and include from the
// query of a list request.
func parseListOptions(r *http.Request, opts Options) (metadata.ListOptions, bool, *fserr.FileError) {
	q := r.URL.Query()
	lo := metadata.ListOptions{
		Prefix:     q.Get("prefix"),
		Marker:     q.Get("marker"),
		MaxResults: opts.DefaultMaxResults,
	}

	if raw, ok := q["maxresults"]; ok && len(raw) > 0 {
		n, err := strconv.Atoi(raw[0])
		if err != nil {
			return lo, false, fserr.ErrInvalidQueryParameterValue.
				WithExtra("QueryParameterName", "maxresults").
				WithExtra("QueryParameterValue", raw[0])
		}
		if n <= 0 {
			return lo, false, fserr.ErrOutOfRangeInput.
				WithExtra("QueryParameterName", "maxresults").
				WithExtra("QueryParameterValue", raw[0])
		}
		lo.MaxResults = min(n, opts.MaxResults)
	}

	includeMetadata := false
	for _, part := range strings.Split(q.Get("include"), ",") {
		switch strings.TrimSpace(part) {
		case "":
		case "metadata":
			includeMetadata = true
		default:
			return lo, false, fserr.ErrInvalidQueryParameterValue.
				WithExtra("QueryParameterName", "include").
				WithExtra("QueryParameterValue", part)
		}
	}
	return lo, includeMetadata, nil
}

// parseRange parses a Range or x-ms-range header value and returns the byte
// range [start, end] inclusive. Supports three formats:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// Returns an error for unsatisfiable ranges or invalid syntax.
func parseRange(rangeHeader string, fileSize int64) (start, end int64, err error) {
	if fileSize == 0 {
		return 0, 0, fmt.Errorf("empty file")
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}
	byteRange := strings.TrimPrefix(rangeHeader, "bytes=")
	if strings.Contains(byteRange, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	startStr, endStr, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid byte range: %q", byteRange)
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	switch {
	case startStr == "" && endStr == "":
		return 0, 0, fmt.Errorf("invalid range: both start and end are empty")
	case startStr == "":
		suffix, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || suffix <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		return max(fileSize-suffix, 0), fileSize - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= fileSize {
		return 0, 0, fmt.Errorf("range start %d beyond file size %d", start, fileSize)
	}
	if endStr == "" {
		return start, fileSize - 1, nil
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	end = min(end, fileSize-1)
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}

// checkConditionalHeaders evaluates the conditional request headers against
// an entity's ETag and LastModified time. It returns 0 when the request may
// proceed, otherwise 304 or 412.
//
// Priority order per RFC 7232:
//  1. If-Match (412 on mismatch)
//  2. If-Unmodified-Since (412 if modified)
//  3. If-None-Match (304 for GET/HEAD, 412 for other methods)
//  4. If-Modified-Since (304 if not modified, GET/HEAD only)
func checkConditionalHeaders(r *http.Request, etag string, lastModified time.Time) int {
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
	lastModified = lastModified.Truncate(time.Second)

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" && !etagMatches(ifMatch, etag) {
		return http.StatusPreconditionFailed
	}
	if ifMatch == "" {
		if t, err := http.ParseTime(r.Header.Get("If-Unmodified-Since")); err == nil && lastModified.After(t) {
			return http.StatusPreconditionFailed
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" && etagMatches(ifNoneMatch, etag) {
		if readOnly {
			return http.StatusNotModified
		}
		return http.StatusPreconditionFailed
	}
	if ifNoneMatch == "" && readOnly {
		if t, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !lastModified.After(t) {
			return http.StatusNotModified
		}
	}
	return 0
}

// etagMatches reports whether a comma-separated If-Match style list names
// etag. "*" matches any existing entity.
func etagMatches(list, etag string) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	want := strings.Trim(etag, `"`)
	for _, tag := range strings.Split(list, ",") {
		if strings.Trim(strings.TrimSpace(tag), `"`) == want {
			return true
		}
	}
	return false
}

// writeConditionalFailure renders the outcome of checkConditionalHeaders.
func writeConditionalFailure(w http.ResponseWriter, r *http.Request, status int, etag string, lastModified time.Time) {
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(lastModified))
	if status == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	xmlutil.WriteErrorResponse(w, r, fserr.ErrConditionNotMet)
}

var (
	errMD5Mismatch  = errors.New("content MD5 mismatch")
	errBodyTooLarge = errors.New("request body too large")
	errOverQuota    = errors.New("share quota exceeded")
)

// uploadBody wraps a request body. It fails the read that reaches EOF when
// the content does not match the client's Content-MD5, and fails as soon as
// more than limit bytes arrive. A body of unknown length is also bounded by
// the share's remaining quota. A backend therefore never commits a body that
// fails any of these checks.
type uploadBody struct {
	r        io.Reader
	h        hash.Hash
	expected []byte
	limit    int64
	quota    int64 // remaining share bytes; negative when unchecked
	n        int64
	err      error
}

func newUploadBody(r io.Reader, expectedMD5 []byte, limit int64) *uploadBody {
	return &uploadBody{r: r, h: md5.New(), expected: expectedMD5, limit: limit, quota: -1}
}

// withQuota bounds the body by the bytes left in the share.
func (b *uploadBody) withQuota(remaining int64) *uploadBody {
	b.quota = max(remaining, 0)
	return b
}

func (b *uploadBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.r.Read(p)
	b.n += int64(n)
	b.h.Write(p[:n])
	if b.limit > 0 && b.n > b.limit {
		b.err = errBodyTooLarge
		return n, b.err
	}
	if b.quota >= 0 && b.n > b.quota {
		b.err = errOverQuota
		return n, b.err
	}
	if err == io.EOF && b.expected != nil && !bytes.Equal(b.h.Sum(nil), b.expected) {
		b.err = errMD5Mismatch
		return n, b.err
	}
	return n, err
}

// failure returns the wire error for a failed read, or nil.
func (b *uploadBody) failure() *fserr.FileError {
	switch b.err {
	case errMD5Mismatch:
		return fserr.ErrMd5Mismatch
	case errBodyTooLarge:
		return fserr.ErrRequestBodyTooLarge
	case errOverQuota:
		return fserr.ErrShareQuotaExceeded
	}
	return nil
}

// parseContentMD5 decodes a base64 Content-MD5 header. An absent header
// yields nil.
func parseContentMD5(v string) ([]byte, *fserr.FileError) {
	if v == "" {
		return nil, nil
	}
	sum, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(sum) != md5.Size {
		return nil, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "Content-MD5")
	}
	return sum, nil
}

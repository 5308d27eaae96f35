package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// FileClient operates on one file.
type FileClient struct {
	conn  *conn
	share string
	path  string
}

// Path returns the file path within the share.
func (f *FileClient) Path() string { return f.path }

// URL returns the primary endpoint URL of the file, suitable as a copy
// source.
func (f *FileClient) URL() string {
	u := *f.conn.primary
	u.Path = u.Path + "/" + f.share + "/" + f.path
	return u.String()
}

func (f *FileClient) validate() error {
	if err := naming.ValidateShareName(f.share); err != nil {
		return err
	}
	return naming.ValidateFilePath(f.path)
}

// UploadOptions are the optional settings of an upload.
type UploadOptions struct {
	ContentType     string
	ContentEncoding string
	CacheControl    string
	Metadata        map[string]string
	// SkipContentMD5 uploads without a Content-MD5 header. The service
	// then computes the MD5 without verifying it.
	SkipContentMD5 bool
}

// UploadResponse is the result of an upload.
type UploadResponse struct {
	ResponseInfo
	ContentMD5 []byte
}

// Upload creates or replaces the file with the content of body. The content
// is hashed before sending and the service rejects it if the MD5 does not
// match what it receives.
func (f *FileClient) Upload(ctx context.Context, body io.ReadSeeker, opts *UploadOptions) (UploadResponse, error) {
	if err := f.validate(); err != nil {
		return UploadResponse{}, err
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if err := naming.ValidateMetadata(opts.Metadata); err != nil {
		return UploadResponse{}, err
	}

	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return UploadResponse{}, err
	}
	h := md5.New()
	size, err := io.Copy(h, body)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("hashing upload: %w", err)
	}
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return UploadResponse{}, err
	}

	req := &request{
		method: http.MethodPut,
		share:  f.share,
		path:   f.path,
		body:   io.LimitReader(body, size),
		size:   size,
	}
	hdr := req.header()
	hdr.Set("x-ms-type", "file")
	if !opts.SkipContentMD5 {
		hdr.Set("Content-MD5", base64.StdEncoding.EncodeToString(h.Sum(nil)))
	}
	if opts.ContentType != "" {
		hdr.Set("x-ms-content-type", opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		hdr.Set("x-ms-content-encoding", opts.ContentEncoding)
	}
	if opts.CacheControl != "" {
		hdr.Set("x-ms-cache-control", opts.CacheControl)
	}
	setMetadata(hdr, opts.Metadata)

	resp, err := f.conn.do(ctx, req)
	if err != nil {
		return UploadResponse{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	out := UploadResponse{ResponseInfo: responseInfo(resp)}
	out.ContentMD5, _ = base64.StdEncoding.DecodeString(resp.Header.Get("Content-MD5"))
	return out, nil
}

// UploadBytes uploads data as the whole content of the file.
func (f *FileClient) UploadBytes(ctx context.Context, data []byte, opts *UploadOptions) (UploadResponse, error) {
	return f.Upload(ctx, bytes.NewReader(data), opts)
}

// DownloadOptions select the part of a file to read.
type DownloadOptions struct {
	// Offset and Count select a byte range. Count zero with Offset zero
	// reads the whole file; Count zero with a positive Offset reads to
	// the end.
	Offset int64
	Count  int64
	// RangeGetContentMD5 asks the service for the MD5 of the range so the
	// body can be verified. Only valid for ranges of at most 4 MiB.
	RangeGetContentMD5 bool
	// Location overrides the client's default read location.
	Location paging.LocationMode
}

// DownloadResponse is an open file body with its properties. The caller
// must close Body. Reading Body to EOF returns an error wrapping
// ErrIntegrity when the content does not match the service's MD5.
type DownloadResponse struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentRange  string
	ContentType   string
	ContentMD5    []byte
	ETag          string
	LastModified  time.Time
	Metadata      map[string]string
}

// Download opens the file, or a range of it, for reading.
func (f *FileClient) Download(ctx context.Context, opts *DownloadOptions) (*DownloadResponse, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &DownloadOptions{}
	}
	if opts.Offset < 0 || opts.Count < 0 {
		return nil, fmt.Errorf("client: invalid range offset %d count %d", opts.Offset, opts.Count)
	}
	req := &request{
		method:   http.MethodGet,
		share:    f.share,
		path:     f.path,
		location: f.conn.resolveLocation(nil, opts.Location),
	}
	switch {
	case opts.Count > 0:
		req.header().Set("x-ms-range", fmt.Sprintf("bytes=%d-%d", opts.Offset, opts.Offset+opts.Count-1))
	case opts.Offset > 0:
		req.header().Set("x-ms-range", fmt.Sprintf("bytes=%d-", opts.Offset))
	}
	if opts.RangeGetContentMD5 {
		if req.hdr == nil {
			return nil, fmt.Errorf("client: RangeGetContentMD5 requires a range")
		}
		req.header().Set("x-ms-range-get-content-md5", "true")
	}

	resp, err := f.conn.do(ctx, req)
	if err != nil {
		return nil, err
	}
	info := responseInfo(resp)
	out := &DownloadResponse{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		ContentType:   resp.Header.Get("Content-Type"),
		ETag:          info.ETag,
		LastModified:  info.LastModified,
		Metadata:      readMetadata(resp.Header),
	}
	if v := resp.Header.Get("Content-MD5"); v != "" {
		sum, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: malformed Content-MD5 %q", ErrIntegrity, v)
		}
		out.ContentMD5 = sum
		out.Body = &verifyingReader{rc: resp.Body, hash: md5.New(), want: sum}
	}
	return out, nil
}

// DownloadBytes reads the selected content into memory and verifies it.
func (f *FileClient) DownloadBytes(ctx context.Context, opts *DownloadOptions) ([]byte, error) {
	resp, err := f.Download(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// verifyingReader hashes what it reads and checks the sum at EOF.
type verifyingReader struct {
	rc   io.ReadCloser
	hash hash.Hash
	want []byte
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	v.hash.Write(p[:n])
	if err == io.EOF {
		if got := v.hash.Sum(nil); !bytes.Equal(got, v.want) {
			return n, fmt.Errorf("%w: got %s, want %s", ErrIntegrity,
				base64.StdEncoding.EncodeToString(got), base64.StdEncoding.EncodeToString(v.want))
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error { return v.rc.Close() }

// FileProperties are the properties of a file.
type FileProperties struct {
	ContentLength int64
	ContentType   string
	ContentMD5    []byte
	ETag          string
	LastModified  time.Time
	Metadata      map[string]string
}

// GetProperties reads the file's properties and metadata.
func (f *FileClient) GetProperties(ctx context.Context) (FileProperties, error) {
	if err := f.validate(); err != nil {
		return FileProperties{}, err
	}
	resp, err := f.conn.do(ctx, &request{
		method:   http.MethodHead,
		share:    f.share,
		path:     f.path,
		location: f.conn.resolveLocation(nil, paging.LocationUnset),
	})
	if err != nil {
		return FileProperties{}, err
	}
	resp.Body.Close()
	info := responseInfo(resp)
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	sum, _ := base64.StdEncoding.DecodeString(resp.Header.Get("Content-MD5"))
	return FileProperties{
		ContentLength: size,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentMD5:    sum,
		ETag:          info.ETag,
		LastModified:  info.LastModified,
		Metadata:      readMetadata(resp.Header),
	}, nil
}

// SetMetadata replaces the file's metadata.
func (f *FileClient) SetMetadata(ctx context.Context, md map[string]string) (ResponseInfo, error) {
	if err := f.validate(); err != nil {
		return ResponseInfo{}, err
	}
	if err := naming.ValidateMetadata(md); err != nil {
		return ResponseInfo{}, err
	}
	req := &request{method: http.MethodPut, share: f.share, path: f.path, query: url.Values{"comp": {"metadata"}}}
	setMetadata(req.header(), md)
	return f.conn.doDiscard(ctx, req)
}

// Delete deletes the file.
func (f *FileClient) Delete(ctx context.Context) error {
	if err := f.validate(); err != nil {
		return err
	}
	_, err := f.conn.doDiscard(ctx, &request{method: http.MethodDelete, share: f.share, path: f.path})
	return err
}

// StartCopyOptions are the optional settings of a copy.
type StartCopyOptions struct {
	// Metadata replaces the source's metadata on the destination when set.
	Metadata map[string]string
}

// CopyResponse is the result of a server-side copy.
type CopyResponse struct {
	ResponseInfo
	CopyID     string
	CopyStatus string
}

// StartCopy copies the file at sourceURL into this file. sourceURL is
// usually another FileClient's URL; a "/share/path" form is also accepted.
func (f *FileClient) StartCopy(ctx context.Context, sourceURL string, opts *StartCopyOptions) (CopyResponse, error) {
	if err := f.validate(); err != nil {
		return CopyResponse{}, err
	}
	if sourceURL == "" {
		return CopyResponse{}, fmt.Errorf("client: copy source is required")
	}
	req := &request{method: http.MethodPut, share: f.share, path: f.path}
	req.header().Set("x-ms-copy-source", sourceURL)
	if opts != nil {
		if err := naming.ValidateMetadata(opts.Metadata); err != nil {
			return CopyResponse{}, err
		}
		setMetadata(req.header(), opts.Metadata)
	}
	resp, err := f.conn.do(ctx, req)
	if err != nil {
		return CopyResponse{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return CopyResponse{
		ResponseInfo: responseInfo(resp),
		CopyID:       resp.Header.Get("x-ms-copy-id"),
		CopyStatus:   resp.Header.Get("x-ms-copy-status"),
	}, nil
}

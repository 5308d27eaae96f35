package handlers

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/storage"
	"github.com/bleepstore/bleepfile/internal/uid"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// maxRangeMD5Size is the largest range for which x-ms-range-get-content-md5
// may be requested.
const maxRangeMD5Size = 4 << 20

const defaultContentType = "application/octet-stream"

// FileHandler contains handlers for file operations.
type FileHandler struct {
	meta  metadata.MetadataStore
	store storage.StorageBackend
	opts  Options
}

// NewFileHandler creates a new FileHandler with the given dependencies.
func NewFileHandler(meta metadata.MetadataStore, store storage.StorageBackend, opts Options) *FileHandler {
	return &FileHandler{meta: meta, store: store, opts: opts.withDefaults()}
}

// loadFile resolves the share and the existing file of the request. ok is
// false when an error response has been written.
func (h *FileHandler) loadFile(w http.ResponseWriter, r *http.Request) (*metadata.ShareRecord, *metadata.EntryRecord, bool) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return nil, nil, false
	}
	share := requireShare(w, r, h.meta, extractShareName(r))
	if share == nil {
		return nil, nil, false
	}
	path := extractEntryPath(r)
	if err := naming.ValidateFilePath(path); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return nil, nil, false
	}
	entry, err := h.meta.GetEntry(r.Context(), share.Name, path)
	if err != nil {
		writeStoreError(w, r, "GetEntry", err)
		return nil, nil, false
	}
	if entry == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrResourceNotFound)
		return nil, nil, false
	}
	if entry.IsDir() {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrResourceTypeMismatch)
		return nil, nil, false
	}
	return share, entry, true
}

// setFileHeaders sets the property headers of a file response.
func setFileHeaders(w http.ResponseWriter, e *metadata.EntryRecord) {
	h := w.Header()
	contentType := e.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h.Set("Content-Type", contentType)
	h.Set("ETag", e.ETag)
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(e.LastModified))
	h.Set("Accept-Ranges", "bytes")
	h.Set("x-ms-type", "File")
	if e.ContentEncoding != "" {
		h.Set("Content-Encoding", e.ContentEncoding)
	}
	if e.CacheControl != "" {
		h.Set("Cache-Control", e.CacheControl)
	}
	setMetadataHeaders(w, e.Metadata)
}

// firstHeader returns the first non-empty header among names.
func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// prepareTarget validates the destination of an upload or copy: the share,
// the path, the parent directory, and any entry already at the path. It
// returns the existing file, if any. ok is false when an error response has
// been written.
func (h *FileHandler) prepareTarget(w http.ResponseWriter, r *http.Request) (share *metadata.ShareRecord, path string, existing *metadata.EntryRecord, ok bool) {
	if h.store == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return nil, "", nil, false
	}
	share = requireShare(w, r, h.meta, extractShareName(r))
	if share == nil {
		return nil, "", nil, false
	}
	path = extractEntryPath(r)
	if err := naming.ValidateFilePath(path); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return nil, "", nil, false
	}
	if !requireParent(w, r, h.meta, share.Name, path) {
		return nil, "", nil, false
	}

	existing, err := h.meta.GetEntry(r.Context(), share.Name, path)
	if err != nil {
		writeStoreError(w, r, "GetEntry", err)
		return nil, "", nil, false
	}
	if existing != nil && existing.IsDir() {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrResourceTypeMismatch)
		return nil, "", nil, false
	}
	if existing == nil && r.Header.Get("If-Match") != "" {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrConditionNotMet)
		return nil, "", nil, false
	}
	if existing != nil {
		if status := checkConditionalHeaders(r, existing.ETag, existing.LastModified); status != 0 {
			writeConditionalFailure(w, r, status, existing.ETag, existing.LastModified)
			return nil, "", nil, false
		}
	}
	return share, path, existing, true
}

// checkQuota reports whether adding size bytes at a path currently holding
// existing keeps the share within its quota. A negative size is an upload of
// unknown length; it passes, and remaining is the number of bytes it may
// still write.
func (h *FileHandler) checkQuota(w http.ResponseWriter, r *http.Request, share *metadata.ShareRecord, existing *metadata.EntryRecord, size int64) (remaining int64, ok bool) {
	if size == 0 {
		return 0, true
	}
	st, err := walkShare(r.Context(), h.meta, share.Name)
	if err != nil {
		writeStoreError(w, r, "ShareUsage", err)
		return 0, false
	}
	used := st.usageBytes
	if existing != nil {
		used -= existing.Size
	}
	remaining = int64(share.QuotaGiB)*gib - used
	if size > remaining {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrShareQuotaExceeded)
		return 0, false
	}
	return remaining, true
}

// PutFile handles PUT /{share}/{path}. A request with x-ms-copy-source is a
// server-side copy; otherwise the body is the complete file content.
func (h *FileHandler) PutFile(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-ms-copy-source") != "" {
		h.CopyFile(w, r)
		return
	}
	if t := r.Header.Get("x-ms-type"); t != "" && !strings.EqualFold(t, "file") {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "x-ms-type"))
		return
	}

	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	expectedMD5, fErr := parseContentMD5(r.Header.Get("Content-MD5"))
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	if h.opts.MaxFileSize > 0 && r.ContentLength > h.opts.MaxFileSize {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrRequestBodyTooLarge)
		return
	}

	share, path, existing, ok := h.prepareTarget(w, r)
	if !ok {
		return
	}
	remaining, ok := h.checkQuota(w, r, share, existing, r.ContentLength)
	if !ok {
		return
	}

	ctx := r.Context()
	body := newUploadBody(r.Body, expectedMD5, h.opts.MaxFileSize)
	if r.ContentLength < 0 {
		body.withQuota(remaining)
	}
	written, contentMD5, err := h.store.PutFile(ctx, share.Name, path, body, r.ContentLength)
	if err != nil {
		if fe := body.failure(); fe != nil {
			xmlutil.WriteErrorResponse(w, r, fe)
			return
		}
		slog.Error("PutFile storage error", "error", err, "share", share.Name, "path", path)
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	entry := &metadata.EntryRecord{
		Share:           share.Name,
		Path:            path,
		Kind:            metadata.KindFile,
		Size:            written,
		ContentMD5:      contentMD5,
		ContentType:     firstHeader(r, "x-ms-content-type", "Content-Type"),
		ContentEncoding: firstHeader(r, "x-ms-content-encoding", "Content-Encoding"),
		CacheControl:    firstHeader(r, "x-ms-cache-control"),
		ETag:            newETag(now),
		Metadata:        md,
		CreatedAt:       now,
		LastModified:    now,
	}
	if existing != nil {
		entry.CreatedAt = existing.CreatedAt
	}
	if err := h.meta.PutEntry(ctx, entry); err != nil {
		// The content is stored but unindexed; the next upload overwrites it.
		writeStoreError(w, r, "PutFile", err)
		return
	}

	w.Header().Set("ETag", entry.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(now))
	w.Header().Set("Content-MD5", contentMD5)
	w.Header().Set("x-ms-request-server-encrypted", "false")
	w.WriteHeader(http.StatusCreated)
}

// parseCopySource extracts the share and path from x-ms-copy-source, which
// is either "/share/path" or an absolute URL with that path.
func parseCopySource(header string) (share, path string, ok bool) {
	p := header
	if strings.Contains(header, "://") {
		u, err := url.Parse(header)
		if err != nil {
			return "", "", false
		}
		p = u.EscapedPath()
	}
	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return "", "", false
	}
	share, path, ok = strings.Cut(strings.TrimPrefix(unescaped, "/"), "/")
	path = naming.CleanPath(path)
	if !ok || share == "" || path == "" {
		return "", "", false
	}
	return share, path, true
}

// CopyFile handles PUT /{share}/{path} with x-ms-copy-source. The copy
// completes before the response is sent.
func (h *FileHandler) CopyFile(w http.ResponseWriter, r *http.Request) {
	srcShare, srcPath, ok := parseCopySource(r.Header.Get("x-ms-copy-source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "x-ms-copy-source"))
		return
	}
	if err := naming.ValidateShareName(srcShare); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return
	}
	if err := naming.ValidateFilePath(srcPath); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return
	}
	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}

	share, path, existing, ok := h.prepareTarget(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	src, err := h.meta.GetEntry(ctx, srcShare, srcPath)
	if err != nil {
		writeStoreError(w, r, "CopyFile", err)
		return
	}
	if src == nil || src.IsDir() {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrResourceNotFound.WithMessage("The copy source does not exist."))
		return
	}
	if _, ok := h.checkQuota(w, r, share, existing, src.Size); !ok {
		return
	}

	contentMD5, err := h.store.CopyFile(ctx, srcShare, srcPath, share.Name, path)
	if err != nil {
		slog.Error("CopyFile storage error", "error", err, "src", srcShare+"/"+srcPath, "dst", share.Name+"/"+path)
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	entry := *src
	entry.Share = share.Name
	entry.Path = path
	entry.ContentMD5 = contentMD5
	entry.ETag = newETag(now)
	entry.CreatedAt = now
	entry.LastModified = now
	if md != nil {
		entry.Metadata = md
	}
	if err := h.meta.PutEntry(ctx, &entry); err != nil {
		writeStoreError(w, r, "CopyFile", err)
		return
	}

	w.Header().Set("ETag", entry.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(now))
	w.Header().Set("x-ms-copy-id", uid.New())
	w.Header().Set("x-ms-copy-status", "success")
	w.WriteHeader(http.StatusAccepted)
}

// GetFile handles GET /{share}/{path}. Range and x-ms-range select part of
// the file; x-ms-range-get-content-md5 asks for the digest of that part.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	share, entry, ok := h.loadFile(w, r)
	if !ok {
		return
	}
	if status := checkConditionalHeaders(r, entry.ETag, entry.LastModified); status != 0 {
		writeConditionalFailure(w, r, status, entry.ETag, entry.LastModified)
		return
	}

	ctx := r.Context()
	rangeHeader := firstHeader(r, "x-ms-range", "Range")
	wantRangeMD5 := strings.EqualFold(r.Header.Get("x-ms-range-get-content-md5"), "true")

	if rangeHeader == "" {
		if wantRangeMD5 {
			xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "x-ms-range-get-content-md5"))
			return
		}
		reader, _, err := h.store.GetFile(ctx, share.Name, entry.Path)
		if err != nil {
			slog.Error("GetFile storage error", "error", err, "share", share.Name, "path", entry.Path)
			xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
			return
		}
		defer reader.Close()

		setFileHeaders(w, entry)
		if entry.ContentMD5 != "" {
			w.Header().Set("Content-MD5", entry.ContentMD5)
		}
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, reader)
		return
	}

	start, end, rangeErr := parseRange(rangeHeader, entry.Size)
	if rangeErr != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", entry.Size))
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidRange)
		return
	}
	count := end - start + 1
	if wantRangeMD5 && count > maxRangeMD5Size {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrOutOfRangeInput.WithMessage("The range for x-ms-range-get-content-md5 must be at most 4 MiB."))
		return
	}

	reader, err := h.store.GetFileRange(ctx, share.Name, entry.Path, start, count)
	if err != nil {
		slog.Error("GetFile range storage error", "error", err, "share", share.Name, "path", entry.Path)
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}
	defer reader.Close()

	var body io.Reader = reader
	setFileHeaders(w, entry)
	if wantRangeMD5 {
		data, err := io.ReadAll(io.LimitReader(reader, count))
		if err != nil {
			slog.Error("GetFile range read error", "error", err, "share", share.Name, "path", entry.Path)
			xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
			return
		}
		w.Header().Set("Content-MD5", storage.ContentMD5(data))
		body = bytes.NewReader(data)
	}
	if entry.ContentMD5 != "" {
		w.Header().Set("x-ms-content-md5", entry.ContentMD5)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(count, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, entry.Size))
	w.WriteHeader(http.StatusPartialContent)
	io.CopyN(w, body, count)
}

// GetFileProperties handles HEAD /{share}/{path}.
func (h *FileHandler) GetFileProperties(w http.ResponseWriter, r *http.Request) {
	_, entry, ok := h.loadFile(w, r)
	if !ok {
		return
	}
	if status := checkConditionalHeaders(r, entry.ETag, entry.LastModified); status != 0 {
		writeConditionalFailure(w, r, status, entry.ETag, entry.LastModified)
		return
	}
	setFileHeaders(w, entry)
	if entry.ContentMD5 != "" {
		w.Header().Set("Content-MD5", entry.ContentMD5)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// SetFileMetadata handles PUT /{share}/{path}?comp=metadata.
func (h *FileHandler) SetFileMetadata(w http.ResponseWriter, r *http.Request) {
	_, entry, ok := h.loadFile(w, r)
	if !ok {
		return
	}
	if status := checkConditionalHeaders(r, entry.ETag, entry.LastModified); status != 0 {
		writeConditionalFailure(w, r, status, entry.ETag, entry.LastModified)
		return
	}
	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	now := time.Now().UTC()
	entry.Metadata = md
	entry.ETag = newETag(now)
	entry.LastModified = now
	if err := h.meta.PutEntry(r.Context(), entry); err != nil {
		writeStoreError(w, r, "SetFileMetadata", err)
		return
	}
	w.Header().Set("ETag", entry.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(now))
	w.WriteHeader(http.StatusOK)
}

// DeleteFile handles DELETE /{share}/{path}.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	share, entry, ok := h.loadFile(w, r)
	if !ok {
		return
	}
	if status := checkConditionalHeaders(r, entry.ETag, entry.LastModified); status != 0 {
		writeConditionalFailure(w, r, status, entry.ETag, entry.LastModified)
		return
	}

	ctx := r.Context()
	if err := h.meta.DeleteEntry(ctx, share.Name, entry.Path); err != nil {
		writeStoreError(w, r, "DeleteFile", err)
		return
	}
	if err := h.store.DeleteFile(ctx, share.Name, entry.Path); err != nil {
		slog.Warn("DeleteFile storage error", "error", err, "share", share.Name, "path", entry.Path)
	}
	w.WriteHeader(http.StatusAccepted)
}

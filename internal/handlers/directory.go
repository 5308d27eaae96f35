package handlers

import (
	"log/slog"
	"net/http"
	"time"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/metrics"
	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// DirectoryHandler contains handlers for directory operations, including
// the listing of a directory's files and subdirectories.
type DirectoryHandler struct {
	meta metadata.MetadataStore
	opts Options
}

// NewDirectoryHandler creates a new DirectoryHandler.
func NewDirectoryHandler(meta metadata.MetadataStore, opts Options) *DirectoryHandler {
	return &DirectoryHandler{meta: meta, opts: opts.withDefaults()}
}

// loadDirectory resolves the share and directory of the request. For the
// share root the returned entry is nil. ok is false when an error response
// has been written.
func (h *DirectoryHandler) loadDirectory(w http.ResponseWriter, r *http.Request) (share *metadata.ShareRecord, dir *metadata.EntryRecord, ok bool) {
	share = requireShare(w, r, h.meta, extractShareName(r))
	if share == nil {
		return nil, nil, false
	}
	path := extractEntryPath(r)
	if err := naming.ValidateDirectoryPath(path); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return nil, nil, false
	}
	if path == "" {
		return share, nil, true
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
	if !entry.IsDir() {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrResourceTypeMismatch)
		return nil, nil, false
	}
	return share, entry, true
}

// CreateDirectory handles PUT /{share}/{path}?restype=directory.
func (h *DirectoryHandler) CreateDirectory(w http.ResponseWriter, r *http.Request) {
	share := requireShare(w, r, h.meta, extractShareName(r))
	if share == nil {
		return
	}
	path := extractEntryPath(r)
	if path == "" {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrResourceAlreadyExists)
		return
	}
	if err := naming.ValidateDirectoryPath(path); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return
	}
	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	if !requireParent(w, r, h.meta, share.Name, path) {
		return
	}

	now := time.Now().UTC()
	entry := &metadata.EntryRecord{
		Share:        share.Name,
		Path:         path,
		Kind:         metadata.KindDirectory,
		ETag:         newETag(now),
		Metadata:     md,
		CreatedAt:    now,
		LastModified: now,
	}
	if err := h.meta.CreateEntry(r.Context(), entry); err != nil {
		writeStoreError(w, r, "CreateDirectory", err)
		return
	}

	w.Header().Set("ETag", entry.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(now))
	w.WriteHeader(http.StatusCreated)
}

// DeleteDirectory handles DELETE /{share}/{path}?restype=directory. Only
// empty directories can be deleted.
func (h *DirectoryHandler) DeleteDirectory(w http.ResponseWriter, r *http.Request) {
	share, dir, ok := h.loadDirectory(w, r)
	if !ok {
		return
	}
	if dir == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidUri.WithMessage("The share root directory cannot be deleted."))
		return
	}

	ctx := r.Context()
	children, err := h.meta.ListEntries(ctx, share.Name, dir.Path, metadata.ListOptions{MaxResults: 1})
	if err != nil {
		writeStoreError(w, r, "DeleteDirectory", err)
		return
	}
	if len(children.Entries) > 0 {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrDirectoryNotEmpty)
		return
	}
	if err := h.meta.DeleteEntry(ctx, share.Name, dir.Path); err != nil {
		writeStoreError(w, r, "DeleteDirectory", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetDirectoryProperties handles GET and HEAD /{share}/{path}?restype=directory.
func (h *DirectoryHandler) GetDirectoryProperties(w http.ResponseWriter, r *http.Request) {
	share, dir, ok := h.loadDirectory(w, r)
	if !ok {
		return
	}
	if dir == nil {
		w.Header().Set("ETag", share.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(share.LastModified))
		w.WriteHeader(http.StatusOK)
		return
	}
	if status := checkConditionalHeaders(r, dir.ETag, dir.LastModified); status != 0 {
		writeConditionalFailure(w, r, status, dir.ETag, dir.LastModified)
		return
	}
	w.Header().Set("ETag", dir.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(dir.LastModified))
	setMetadataHeaders(w, dir.Metadata)
	w.WriteHeader(http.StatusOK)
}

// SetDirectoryMetadata handles PUT /{share}/{path}?restype=directory&comp=metadata.
func (h *DirectoryHandler) SetDirectoryMetadata(w http.ResponseWriter, r *http.Request) {
	_, dir, ok := h.loadDirectory(w, r)
	if !ok {
		return
	}
	if dir == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidUri.WithMessage("Use share metadata for the share root."))
		return
	}
	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	now := time.Now().UTC()
	dir.Metadata = md
	dir.ETag = newETag(now)
	dir.LastModified = now
	if err := h.meta.PutEntry(r.Context(), dir); err != nil {
		writeStoreError(w, r, "SetDirectoryMetadata", err)
		return
	}
	w.Header().Set("ETag", dir.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(now))
	w.WriteHeader(http.StatusOK)
}

// ListFilesAndDirectories handles GET /{share}[/{path}]?restype=directory&comp=list
// and returns one page of the directory's direct children, files and
// subdirectories in a single name order.
func (h *DirectoryHandler) ListFilesAndDirectories(w http.ResponseWriter, r *http.Request) {
	share, dir, ok := h.loadDirectory(w, r)
	if !ok {
		return
	}
	lo, includeMetadata, fErr := parseListOptions(r, h.opts)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}

	dirPath := ""
	if dir != nil {
		dirPath = dir.Path
	}
	res, err := h.meta.ListEntries(r.Context(), share.Name, dirPath, lo)
	if err != nil {
		slog.Error("ListFilesAndDirectories error", "error", err, "share", share.Name, "dir", dirPath)
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	result := &xmlutil.EntryEnumerationResults{
		ServiceEndpoint: serviceEndpoint(r),
		ShareName:       share.Name,
		DirectoryPath:   dirPath,
		Prefix:          lo.Prefix,
		Marker:          lo.Marker,
		MaxResults:      lo.MaxResults,
		Entries:         make(xmlutil.EntryList, 0, len(res.Entries)),
		NextMarker:      res.NextMarker,
	}
	for i := range res.Entries {
		e := &res.Entries[i]
		var item xmlutil.EntryItem
		if e.IsDir() {
			item = xmlutil.NewDirectoryItem(e.Name)
		} else {
			item = xmlutil.NewFileItem(e.Name, e.Size)
		}
		if includeMetadata && len(e.Metadata) > 0 {
			item.Metadata = xmlutil.Metadata(e.Metadata)
		}
		result.Entries = append(result.Entries, item)
	}

	metrics.ObserveListPage(metrics.ScopeEntries, len(result.Entries))
	xmlutil.RenderXML(w, http.StatusOK, result)
}

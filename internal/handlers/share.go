package handlers

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/metrics"
	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/storage"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// maxACLBodySize bounds a Set Share ACL request body.
const maxACLBodySize = 64 << 10

// ShareHandler contains handlers for share-level operations.
type ShareHandler struct {
	meta  metadata.MetadataStore
	store storage.StorageBackend
	opts  Options
}

// NewShareHandler creates a new ShareHandler with the given dependencies.
func NewShareHandler(meta metadata.MetadataStore, store storage.StorageBackend, opts Options) *ShareHandler {
	return &ShareHandler{meta: meta, store: store, opts: opts.withDefaults()}
}

// loadShare fetches the share named in the request path, writing the error
// response and returning nil when it cannot.
func (h *ShareHandler) loadShare(w http.ResponseWriter, r *http.Request) *metadata.ShareRecord {
	return requireShare(w, r, h.meta, extractShareName(r))
}

// parseQuota reads x-ms-share-quota. An absent header returns def.
func parseQuota(r *http.Request, def int) (int, *fserr.FileError) {
	raw := r.Header.Get("x-ms-share-quota")
	if raw == "" {
		return def, nil
	}
	q, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "x-ms-share-quota")
	}
	if q < minShareQuotaGiB || q > maxShareQuotaGiB {
		return 0, fserr.ErrOutOfRangeInput.WithExtra("HeaderName", "x-ms-share-quota")
	}
	return q, nil
}

// setShareHeaders writes the properties of a share as response headers.
func setShareHeaders(w http.ResponseWriter, share *metadata.ShareRecord) {
	w.Header().Set("ETag", share.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(share.LastModified))
	w.Header().Set("x-ms-share-quota", strconv.Itoa(share.QuotaGiB))
	setMetadataHeaders(w, share.Metadata)
}

// CreateShare handles PUT /{share}?restype=share.
func (h *ShareHandler) CreateShare(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	ctx := r.Context()
	name := extractShareName(r)
	if err := naming.ValidateShareName(name); err != nil {
		xmlutil.WriteErrorResponse(w, r, nameError(err))
		return
	}
	quota, fErr := parseQuota(r, maxShareQuotaGiB)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}

	now := time.Now().UTC()
	record := &metadata.ShareRecord{
		Name:         name,
		QuotaGiB:     quota,
		Metadata:     md,
		ETag:         newETag(now),
		CreatedAt:    now,
		LastModified: now,
	}
	if err := h.meta.CreateShare(ctx, record); err != nil {
		writeStoreError(w, r, "CreateShare", err)
		return
	}
	if err := h.store.CreateShare(ctx, name); err != nil {
		slog.Error("CreateShare storage error", "error", err, "share", name)
		if derr := h.meta.DeleteShare(ctx, name); derr != nil {
			slog.Error("CreateShare rollback error", "error", derr, "share", name)
		}
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	metrics.SharesTotal.Inc()
	w.Header().Set("ETag", record.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(record.LastModified))
	w.WriteHeader(http.StatusCreated)
}

// DeleteShare handles DELETE /{share}?restype=share. The share's entries and
// file content are removed with it.
func (h *ShareHandler) DeleteShare(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}
	if status := checkConditionalHeaders(r, share.ETag, share.LastModified); status != 0 {
		writeConditionalFailure(w, r, status, share.ETag, share.LastModified)
		return
	}

	ctx := r.Context()
	if err := h.meta.DeleteShare(ctx, share.Name); err != nil {
		writeStoreError(w, r, "DeleteShare", err)
		return
	}
	if err := h.store.DeleteShare(ctx, share.Name); err != nil {
		// The share is gone from the index; leftover content is unreachable.
		slog.Warn("DeleteShare storage error", "error", err, "share", share.Name)
	}

	metrics.SharesTotal.Dec()
	w.WriteHeader(http.StatusAccepted)
}

// GetShareProperties handles GET and HEAD /{share}?restype=share.
func (h *ShareHandler) GetShareProperties(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}
	setShareHeaders(w, share)
	w.WriteHeader(http.StatusOK)
}

// SetShareMetadata handles PUT /{share}?restype=share&comp=metadata. The
// request's metadata replaces the share's metadata.
func (h *ShareHandler) SetShareMetadata(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}
	md, fErr := extractMetadata(r)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	share.Metadata = md
	h.updateShare(w, r, share, http.StatusOK)
}

// SetShareProperties handles PUT /{share}?restype=share&comp=properties.
func (h *ShareHandler) SetShareProperties(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}
	if r.Header.Get("x-ms-share-quota") == "" {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrMissingRequiredHeader.WithExtra("HeaderName", "x-ms-share-quota"))
		return
	}
	quota, fErr := parseQuota(r, share.QuotaGiB)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	share.QuotaGiB = quota
	h.updateShare(w, r, share, http.StatusOK)
}

// updateShare stamps a new ETag on share and stores it.
func (h *ShareHandler) updateShare(w http.ResponseWriter, r *http.Request, share *metadata.ShareRecord, status int) {
	now := time.Now().UTC()
	share.ETag = newETag(now)
	share.LastModified = now
	if err := h.meta.UpdateShare(r.Context(), share); err != nil {
		writeStoreError(w, r, "UpdateShare", err)
		return
	}
	w.Header().Set("ETag", share.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(share.LastModified))
	w.WriteHeader(status)
}

// GetShareACL handles GET /{share}?restype=share&comp=acl and returns the
// stored access policies.
func (h *ShareHandler) GetShareACL(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}
	out := &xmlutil.SignedIdentifiers{}
	for _, id := range share.ACL {
		out.Items = append(out.Items, xmlutil.SignedIdentifier{
			ID: id.ID,
			AccessPolicy: xmlutil.AccessPolicy{
				Start:      xmlutil.FormatTimeISO(id.Start),
				Expiry:     xmlutil.FormatTimeISO(id.Expiry),
				Permission: id.Permission,
			},
		})
	}
	w.Header().Set("ETag", share.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(share.LastModified))
	xmlutil.RenderXML(w, http.StatusOK, out)
}

// SetShareACL handles PUT /{share}?restype=share&comp=acl. An empty body
// clears every stored access policy.
func (h *ShareHandler) SetShareACL(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxACLBodySize+1))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidXMLDocument)
		return
	}
	if len(body) > maxACLBodySize {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrRequestBodyTooLarge)
		return
	}

	var acl []metadata.SignedIdentifier
	if len(bytes.TrimSpace(body)) > 0 {
		acl, err = parseSignedIdentifiers(body)
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidXMLDocument.WithMessage("%s", err.Error()))
			return
		}
	}
	share.ACL = acl
	h.updateShare(w, r, share, http.StatusOK)
}

// parseSignedIdentifiers decodes and validates a SignedIdentifiers document.
func parseSignedIdentifiers(body []byte) ([]metadata.SignedIdentifier, error) {
	var doc xmlutil.SignedIdentifiers
	if err := xmlutil.Decode(bytes.NewReader(body), &doc); err != nil {
		return nil, err
	}
	if len(doc.Items) > maxSignedIdentifiers {
		return nil, errors.New("a share may have at most 5 signed identifiers")
	}

	out := make([]metadata.SignedIdentifier, 0, len(doc.Items))
	seen := make(map[string]bool, len(doc.Items))
	for _, item := range doc.Items {
		if item.ID == "" || len(item.ID) > 64 {
			return nil, errors.New("signed identifier must be 1 to 64 characters")
		}
		if seen[item.ID] {
			return nil, errors.New("duplicate signed identifier " + item.ID)
		}
		seen[item.ID] = true

		start, err := xmlutil.ParseTimeISO(item.AccessPolicy.Start)
		if err != nil {
			return nil, err
		}
		expiry, err := xmlutil.ParseTimeISO(item.AccessPolicy.Expiry)
		if err != nil {
			return nil, err
		}
		if strings.Trim(item.AccessPolicy.Permission, "rcwdl") != "" {
			return nil, errors.New("invalid permission " + item.AccessPolicy.Permission)
		}
		out = append(out, metadata.SignedIdentifier{
			ID:         item.ID,
			Start:      start,
			Expiry:     expiry,
			Permission: item.AccessPolicy.Permission,
		})
	}
	return out, nil
}

// GetShareStats handles GET /{share}?restype=share&comp=stats.
func (h *ShareHandler) GetShareStats(w http.ResponseWriter, r *http.Request) {
	share := h.loadShare(w, r)
	if share == nil {
		return
	}
	st, err := walkShare(r.Context(), h.meta, share.Name)
	if err != nil {
		writeStoreError(w, r, "GetShareStats", err)
		return
	}
	w.Header().Set("ETag", share.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(share.LastModified))
	xmlutil.RenderXML(w, http.StatusOK, &xmlutil.ShareStats{
		ShareUsageBytes: st.usageBytes,
		FileCount:       st.files,
		DirectoryCount:  st.directories,
	})
}

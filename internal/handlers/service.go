package handlers

import (
	"log/slog"
	"net/http"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/metrics"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// ServiceHandler serves account-level operations.
type ServiceHandler struct {
	meta metadata.MetadataStore
	opts Options
}

// NewServiceHandler creates a new ServiceHandler.
func NewServiceHandler(meta metadata.MetadataStore, opts Options) *ServiceHandler {
	return &ServiceHandler{meta: meta, opts: opts.withDefaults()}
}

// ListShares handles GET /?comp=list and returns one page of shares.
func (h *ServiceHandler) ListShares(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	lo, includeMetadata, fErr := parseListOptions(r, h.opts)
	if fErr != nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}

	res, err := h.meta.ListShares(r.Context(), lo)
	if err != nil {
		slog.Error("ListShares error", "error", err)
		xmlutil.WriteErrorResponse(w, r, fserr.ErrInternalError)
		return
	}

	result := &xmlutil.ShareEnumerationResults{
		ServiceEndpoint: serviceEndpoint(r),
		Prefix:          lo.Prefix,
		Marker:          lo.Marker,
		MaxResults:      lo.MaxResults,
		Shares:          make([]xmlutil.ShareItem, 0, len(res.Shares)),
		NextMarker:      res.NextMarker,
	}
	for _, s := range res.Shares {
		item := xmlutil.ShareItem{
			Name: s.Name,
			Properties: xmlutil.ShareProperties{
				LastModified: xmlutil.FormatTimeHTTP(s.LastModified),
				Etag:         s.ETag,
				Quota:        s.QuotaGiB,
			},
		}
		if includeMetadata && len(s.Metadata) > 0 {
			item.Metadata = xmlutil.Metadata(s.Metadata)
		}
		result.Shares = append(result.Shares, item)
	}

	metrics.ObserveListPage(metrics.ScopeShares, len(result.Shares))
	xmlutil.RenderXML(w, http.StatusOK, result)
}

// GetProperties handles GET /?restype=service&comp=properties.
func (h *ServiceHandler) GetProperties(w http.ResponseWriter, r *http.Request) {
	xmlutil.RenderXML(w, http.StatusOK, &xmlutil.StorageServiceProperties{
		Listing: xmlutil.ListingProperties{
			DefaultMaxResults: h.opts.DefaultMaxResults,
			MaxResults:        h.opts.MaxResults,
		},
		ReadOnly: h.opts.ReadOnly,
	})
}

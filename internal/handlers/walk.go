package handlers

import (
	"context"

	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// walkPageSize is the listing page size used when walking a share.
const walkPageSize = 1000

// entryPager pages through the direct children of dir with the same
// continuation tokens the wire protocol hands to clients.
func entryPager(meta metadata.MetadataStore, share, dir string) *paging.Pager[metadata.EntryRecord] {
	fetch := func(ctx context.Context, token *paging.ContinuationToken) (paging.Page[metadata.EntryRecord], error) {
		opts := metadata.ListOptions{MaxResults: walkPageSize}
		if token != nil {
			opts.Marker = token.NextMarker
		}
		res, err := meta.ListEntries(ctx, share, dir, opts)
		if err != nil {
			return paging.Page[metadata.EntryRecord]{}, err
		}
		return paging.Page[metadata.EntryRecord]{
			Items:        res.Entries,
			Continuation: paging.NewContinuationToken(res.NextMarker, paging.LocationPrimary),
		}, nil
	}
	return paging.NewPager(fetch, nil)
}

// shareStats is the aggregate size of a share.
type shareStats struct {
	usageBytes  int64
	files       int64
	directories int64
}

// walkShare visits every entry of the share depth first.
func walkShare(ctx context.Context, meta metadata.MetadataStore, share string) (shareStats, error) {
	var st shareStats
	pending := []string{""}
	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		for e, err := range paging.All(ctx, entryPager(meta, share, dir)) {
			if err != nil {
				return shareStats{}, err
			}
			if e.IsDir() {
				st.directories++
				pending = append(pending, e.Path)
				continue
			}
			st.files++
			st.usageBytes += e.Size
		}
	}
	return st, nil
}

package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepfile/internal/config"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/pkg/client"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

// liveService is a primary server and a read-only secondary over the same
// backends, each behind an httptest listener that counts listing calls.
type liveService struct {
	meta      *metadata.SQLiteStore
	primary   *httptest.Server
	secondary *httptest.Server
	listCalls atomic.Int32
	secCalls  atomic.Int32
}

func startLiveService(t *testing.T, cfg *config.Config) *liveService {
	t.Helper()
	meta, store := newTestBackends(t)
	ls := &liveService{meta: meta}

	primary, err := New(cfg, WithMetadataStore(meta), WithStorageBackend(store))
	require.NoError(t, err)

	secCfg := *cfg
	secCfg.Server.ReadOnly = true
	secondary, err := New(&secCfg, WithMetadataStore(meta), WithStorageBackend(store))
	require.NoError(t, err)

	ls.primary = httptest.NewServer(ls.count(primary.Handler(), nil))
	ls.secondary = httptest.NewServer(ls.count(secondary.Handler(), &ls.secCalls))
	t.Cleanup(ls.primary.Close)
	t.Cleanup(ls.secondary.Close)
	return ls
}

func (ls *liveService) count(next http.Handler, all *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("comp") == "list" {
			ls.listCalls.Add(1)
		}
		if all != nil {
			all.Add(1)
		}
		next.ServeHTTP(w, r)
	})
}

func (ls *liveService) client(t *testing.T, opts *client.ClientOptions) *client.ServiceClient {
	t.Helper()
	if opts == nil {
		opts = &client.ClientOptions{}
	}
	opts.SecondaryURL = ls.secondary.URL
	svc, err := client.NewServiceClient(ls.primary.URL, nil, opts)
	require.NoError(t, err)
	return svc
}

// seedDirectories inserts n directories under the share root directly
// into the metadata store.
func seedDirectories(t *testing.T, meta metadata.MetadataStore, share string, n int) []string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	names := make([]string, n)
	for i := range n {
		names[i] = fmt.Sprintf("dir-%05d", i)
		require.NoError(t, meta.CreateEntry(ctx, &metadata.EntryRecord{
			Share:        share,
			Path:         names[i],
			Kind:         metadata.KindDirectory,
			ETag:         fmt.Sprintf(`"0x%d"`, i),
			CreatedAt:    now,
			LastModified: now,
		}))
	}
	return names
}

func TestIntegrationListingRoundTrips(t *testing.T) {
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, nil)

	share := svc.NewShareClient("paged")
	_, err := share.Create(ctx, nil)
	require.NoError(t, err)
	root := share.NewRootDirectoryClient()
	_, err = root.NewSubdirectoryClient("b").Create(ctx, nil)
	require.NoError(t, err)
	_, err = root.NewFileClient("a.txt").UploadBytes(ctx, []byte("a"), nil)
	require.NoError(t, err)
	_, err = root.NewFileClient("c.txt").UploadBytes(ctx, nil, nil)
	require.NoError(t, err)

	ls.listCalls.Store(0)
	var names []string
	var tokens []*paging.ContinuationToken
	var token *paging.ContinuationToken
	for {
		page, err := root.ListFilesAndDirectoriesSegment(ctx, &client.ListFilesAndDirectoriesOptions{MaxResults: 1}, token)
		require.NoError(t, err)
		for _, e := range page.Items {
			names = append(names, e.Name)
		}
		tokens = append(tokens, page.Continuation)
		if page.Done() {
			break
		}
		token = page.Continuation
	}
	assert.Equal(t, []string{"a.txt", "b", "c.txt"}, names)
	assert.Equal(t, int32(3), ls.listCalls.Load())
	require.Len(t, tokens, 3)
	assert.NotNil(t, tokens[0])
	assert.NotNil(t, tokens[1])
	assert.Nil(t, tokens[2])
	assert.Equal(t, paging.LocationPrimary, tokens[0].TargetLocation)
}

func TestIntegrationLargeListing(t *testing.T) {
	if testing.Short() {
		t.Skip("lists 5050 pages")
	}
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, nil)

	share := svc.NewShareClient("large")
	_, err := share.Create(ctx, nil)
	require.NoError(t, err)
	want := seedDirectories(t, ls.meta, "large", 5050)

	ls.listCalls.Store(0)
	pager := share.NewRootDirectoryClient().NewListFilesAndDirectoriesPager(
		&client.ListFilesAndDirectoriesOptions{MaxResults: 1})
	seen := make(map[string]bool, len(want))
	var got []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		require.NoError(t, err)
		for _, e := range page.Items {
			require.False(t, seen[e.Name], "duplicate %s", e.Name)
			seen[e.Name] = true
			got = append(got, e.Name)
		}
	}
	assert.Equal(t, want, got)
	assert.Equal(t, int32(5050), ls.listCalls.Load())
}

func TestIntegrationEmptyListing(t *testing.T) {
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, nil)

	share := svc.NewShareClient("empty")
	_, err := share.Create(ctx, nil)
	require.NoError(t, err)

	ls.listCalls.Store(0)
	page, err := share.NewRootDirectoryClient().ListFilesAndDirectoriesSegment(ctx, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Nil(t, page.Continuation)
	assert.Equal(t, int32(1), ls.listCalls.Load())

	shares, err := paging.Collect(ctx, svc.NewListSharesPager(&client.ListSharesOptions{Prefix: "nomatch"}))
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestIntegrationClearedLocationHint(t *testing.T) {
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, nil)

	for _, name := range []string{"share-a", "share-b", "share-c"} {
		_, err := svc.NewShareClient(name).Create(ctx, nil)
		require.NoError(t, err)
	}

	opts := &client.ListSharesOptions{MaxResults: 1}
	page, err := svc.ListSharesSegment(ctx, opts, nil)
	require.NoError(t, err)
	require.NotNil(t, page.Continuation)

	// A token whose location was cleared still continues from its marker.
	cleared := &paging.ContinuationToken{NextMarker: page.Continuation.NextMarker}
	page, err = svc.ListSharesSegment(ctx, opts, cleared)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "share-b", page.Items[0].Name)
	assert.Equal(t, paging.LocationPrimary, page.Continuation.TargetLocation)
}

func TestIntegrationSecondaryReads(t *testing.T) {
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, &client.ClientOptions{Location: paging.LocationSecondary})

	// Writes go to the primary even when reads default to the secondary.
	share := svc.NewShareClient("replicated")
	_, err := share.Create(ctx, nil)
	require.NoError(t, err)
	seedDirectories(t, ls.meta, "replicated", 3)
	assert.Zero(t, ls.secCalls.Load())

	pager := share.NewRootDirectoryClient().NewListFilesAndDirectoriesPager(
		&client.ListFilesAndDirectoriesOptions{MaxResults: 2})
	page, err := pager.NextPage(ctx)
	require.NoError(t, err)
	require.NotNil(t, page.Continuation)
	assert.Equal(t, paging.LocationSecondary, page.Continuation.TargetLocation)

	// The pinned token overrides a call-level Primary request.
	next, err := share.NewRootDirectoryClient().ListFilesAndDirectoriesSegment(ctx,
		&client.ListFilesAndDirectoriesOptions{MaxResults: 2, Location: paging.LocationPrimary}, page.Continuation)
	require.NoError(t, err)
	assert.Len(t, next.Items, 1)
	assert.Nil(t, next.Continuation)
	assert.Equal(t, int32(2), ls.secCalls.Load())

	// The secondary refuses writes sent to it directly.
	req, err := http.NewRequest(http.MethodPut, ls.secondary.URL+"/other?restype=share", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "WriteOperationNotSupportedOnSecondary", resp.Header.Get("x-ms-error-code"))
}

func TestIntegrationErrorCategories(t *testing.T) {
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, nil)

	share := svc.NewShareClient("errors")
	_, err := share.Create(ctx, nil)
	require.NoError(t, err)

	_, err = share.Create(ctx, nil)
	assert.True(t, client.IsConflict(err), "second create: %v", err)

	dir := share.NewDirectoryClient("dir")
	_, err = dir.Create(ctx, nil)
	require.NoError(t, err)
	_, err = dir.NewFileClient("f.txt").UploadBytes(ctx, []byte("x"), nil)
	require.NoError(t, err)
	err = dir.Delete(ctx)
	assert.True(t, client.IsConflict(err), "delete non-empty: %v", err)

	_, err = share.NewDirectoryClient("missing/child").Create(ctx, nil)
	assert.True(t, client.IsNotFound(err), "missing parent: %v", err)

	_, err = share.NewFileClient("nope.txt").GetProperties(ctx)
	assert.True(t, client.IsNotFound(err), "missing file: %v", err)
}

func TestIntegrationFileRoundTrip(t *testing.T) {
	ls := startLiveService(t, testConfig())
	ctx := context.Background()
	svc := ls.client(t, nil)

	share := svc.NewShareClient("files")
	_, err := share.Create(ctx, &client.CreateShareOptions{QuotaGiB: 1, Metadata: map[string]string{"team": "core"}})
	require.NoError(t, err)

	content := []byte("hello, file service")
	f := share.NewFileClient("greeting.txt")
	up, err := f.Upload(ctx, bytes.NewReader(content), &client.UploadOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"lang": "en"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, up.ETag)
	assert.Len(t, up.ContentMD5, 16)

	got, err := f.DownloadBytes(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	part, err := f.DownloadBytes(ctx, &client.DownloadOptions{Offset: 7, Count: 4, RangeGetContentMD5: true})
	require.NoError(t, err)
	assert.Equal(t, "file", string(part))

	props, err := f.GetProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), props.ContentLength)
	assert.Equal(t, "text/plain", props.ContentType)
	assert.Equal(t, map[string]string{"lang": "en"}, props.Metadata)

	cp, err := share.NewFileClient("copy.txt").StartCopy(ctx, f.URL(), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", cp.CopyStatus)
	copied, err := share.NewFileClient("copy.txt").Download(ctx, nil)
	require.NoError(t, err)
	data, err := io.ReadAll(copied.Body)
	copied.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, data)

	shareProps, err := share.GetProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, shareProps.QuotaGiB)
	assert.Equal(t, map[string]string{"team": "core"}, shareProps.Metadata)

	stats, err := share.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2*len(content)), stats.UsageBytes)
	assert.Equal(t, int64(2), stats.FileCount)

	require.NoError(t, f.Delete(ctx))
	require.NoError(t, share.Delete(ctx))
	_, err = share.GetProperties(ctx)
	assert.True(t, client.IsNotFound(err))
}

func TestIntegrationSharedKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	ls := startLiveService(t, cfg)
	ctx := context.Background()
	require.NoError(t, ls.meta.PutCredential(ctx, &metadata.CredentialRecord{
		AccountName: cfg.Server.AccountName,
		AccountKey:  cfg.Auth.AccountKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}))

	anon := ls.client(t, nil)
	_, err := anon.NewShareClient("secured").Create(ctx, nil)
	se, ok := client.AsStorageError(err)
	require.True(t, ok, "anonymous create: %v", err)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)

	cred, err := client.NewSharedKeyCredential(cfg.Server.AccountName, cfg.Auth.AccountKey)
	require.NoError(t, err)
	svc, err := client.NewServiceClient(ls.primary.URL, cred, nil)
	require.NoError(t, err)

	share := svc.NewShareClient("secured")
	_, err = share.Create(ctx, &client.CreateShareOptions{Metadata: map[string]string{"owner": "ops"}})
	require.NoError(t, err)
	_, err = share.NewFileClient("f.bin").UploadBytes(ctx, []byte{1, 2, 3}, nil)
	require.NoError(t, err)

	items, err := paging.Collect(ctx, svc.NewListSharesPager(&client.ListSharesOptions{IncludeMetadata: true}))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ops", items[0].Metadata["owner"])
}

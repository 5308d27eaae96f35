package handlers

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/storage"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// testEnv bundles handlers backed by a real SQLite metadata store and local
// filesystem storage in temp dirs.
type testEnv struct {
	meta    *metadata.SQLiteStore
	store   *storage.LocalBackend
	service *ServiceHandler
	shares  *ShareHandler
	dirs    *DirectoryHandler
	files   *FileHandler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	meta, err := metadata.NewSQLiteStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	store, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}

	return &testEnv{
		meta:    meta,
		store:   store,
		service: NewServiceHandler(meta, opts),
		shares:  NewShareHandler(meta, store, opts),
		dirs:    NewDirectoryHandler(meta, opts),
		files:   NewFileHandler(meta, store, opts),
	}
}

// do runs one request against handler fn and returns the recorder.
func do(fn http.HandlerFunc, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func expectErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rec, status)
	if got := rec.Header().Get("x-ms-error-code"); got != code {
		t.Fatalf("x-ms-error-code = %q, want %q; body: %s", got, code, rec.Body.String())
	}
}

func (e *testEnv) mustCreateShare(t *testing.T, name string, headers ...string) {
	t.Helper()
	rec := do(e.shares.CreateShare, "PUT", "/"+name+"?restype=share", nil, headers...)
	expectStatus(t, rec, http.StatusCreated)
}

func TestCreateShare(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := do(env.shares.CreateShare, "PUT", "/papers?restype=share", nil,
		"x-ms-share-quota", "10", "x-ms-meta-Owner", "ops")
	expectStatus(t, rec, http.StatusCreated)
	if rec.Header().Get("ETag") == "" {
		t.Error("CreateShare: missing ETag")
	}

	rec = do(env.shares.GetShareProperties, "GET", "/papers?restype=share", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get("x-ms-share-quota"); got != "10" {
		t.Errorf("quota = %q, want 10", got)
	}
	if got := rec.Header().Get("x-ms-meta-owner"); got != "ops" {
		t.Errorf("metadata owner = %q, want ops", got)
	}

	rec = do(env.shares.CreateShare, "PUT", "/papers?restype=share", nil)
	expectErrorCode(t, rec, http.StatusConflict, "ShareAlreadyExists")
}

func TestCreateShareValidation(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name   string
		target string
		header []string
		status int
		code   string
	}{
		{"uppercase", "/Docs?restype=share", nil, http.StatusBadRequest, "InvalidResourceName"},
		{"too short", "/ab?restype=share", nil, http.StatusBadRequest, "InvalidResourceName"},
		{"double hyphen", "/a--b?restype=share", nil, http.StatusBadRequest, "InvalidResourceName"},
		{"quota zero", "/quota?restype=share", []string{"x-ms-share-quota", "0"}, http.StatusBadRequest, "OutOfRangeInput"},
		{"quota huge", "/quota?restype=share", []string{"x-ms-share-quota", "5121"}, http.StatusBadRequest, "OutOfRangeInput"},
		{"quota text", "/quota?restype=share", []string{"x-ms-share-quota", "lots"}, http.StatusBadRequest, "InvalidHeaderValue"},
		{"bad metadata", "/meta?restype=share", []string{"x-ms-meta-1bad", "x"}, http.StatusBadRequest, "InvalidMetadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(env.shares.CreateShare, "PUT", tt.target, nil, tt.header...)
			expectErrorCode(t, rec, tt.status, tt.code)
		})
	}
}

func TestDeleteShareRemovesContent(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	rec := do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("hello"))
	expectStatus(t, rec, http.StatusCreated)

	rec = do(env.shares.DeleteShare, "DELETE", "/papers?restype=share", nil)
	expectStatus(t, rec, http.StatusAccepted)

	rec = do(env.shares.GetShareProperties, "HEAD", "/papers?restype=share", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "ShareNotFound")
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD error carried a body: %q", rec.Body.String())
	}

	exists, err := env.store.FileExists(context.Background(), "papers", "a.txt")
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if exists {
		t.Error("file content survived share deletion")
	}
}

func TestShareMetadataAndQuota(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers", "x-ms-meta-a", "1")

	rec := do(env.shares.SetShareMetadata, "PUT", "/papers?restype=share&comp=metadata", nil, "x-ms-meta-b", "2")
	expectStatus(t, rec, http.StatusOK)

	rec = do(env.shares.SetShareProperties, "PUT", "/papers?restype=share&comp=properties", nil)
	expectErrorCode(t, rec, http.StatusBadRequest, "MissingRequiredHeader")

	rec = do(env.shares.SetShareProperties, "PUT", "/papers?restype=share&comp=properties", nil, "x-ms-share-quota", "100")
	expectStatus(t, rec, http.StatusOK)

	rec = do(env.shares.GetShareProperties, "GET", "/papers?restype=share", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("x-ms-meta-a") != "" || rec.Header().Get("x-ms-meta-b") != "2" {
		t.Errorf("metadata not replaced: %v", rec.Header())
	}
	if rec.Header().Get("x-ms-share-quota") != "100" {
		t.Errorf("quota = %q", rec.Header().Get("x-ms-share-quota"))
	}
}

func TestShareACL(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	body := `<?xml version="1.0" encoding="utf-8"?>
<SignedIdentifiers>
  <SignedIdentifier>
    <Id>readers</Id>
    <AccessPolicy>
      <Start>2025-01-01T00:00:00Z</Start>
      <Expiry>2026-01-01T00:00:00Z</Expiry>
      <Permission>rl</Permission>
    </AccessPolicy>
  </SignedIdentifier>
</SignedIdentifiers>`
	rec := do(env.shares.SetShareACL, "PUT", "/papers?restype=share&comp=acl", strings.NewReader(body))
	expectStatus(t, rec, http.StatusOK)

	rec = do(env.shares.GetShareACL, "GET", "/papers?restype=share&comp=acl", nil)
	expectStatus(t, rec, http.StatusOK)
	var got xmlutil.SignedIdentifiers
	if err := xml.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode ACL: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "readers" || got.Items[0].AccessPolicy.Permission != "rl" {
		t.Fatalf("ACL = %+v", got)
	}
	if !strings.HasPrefix(got.Items[0].AccessPolicy.Expiry, "2026-01-01T00:00:00") {
		t.Errorf("expiry = %q", got.Items[0].AccessPolicy.Expiry)
	}

	var sb strings.Builder
	sb.WriteString("<SignedIdentifiers>")
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		sb.WriteString("<SignedIdentifier><Id>" + id + "</Id><AccessPolicy><Permission>r</Permission></AccessPolicy></SignedIdentifier>")
	}
	sb.WriteString("</SignedIdentifiers>")
	rec = do(env.shares.SetShareACL, "PUT", "/papers?restype=share&comp=acl", strings.NewReader(sb.String()))
	expectErrorCode(t, rec, http.StatusBadRequest, "InvalidXmlDocument")

	rec = do(env.shares.SetShareACL, "PUT", "/papers?restype=share&comp=acl", strings.NewReader(""))
	expectStatus(t, rec, http.StatusOK)
	rec = do(env.shares.GetShareACL, "GET", "/papers?restype=share&comp=acl", nil)
	got = xmlutil.SignedIdentifiers{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode ACL: %v", err)
	}
	if len(got.Items) != 0 {
		t.Errorf("ACL not cleared: %+v", got)
	}
}

func TestShareStats(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/a?restype=directory", nil), http.StatusCreated)
	expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/a/b?restype=directory", nil), http.StatusCreated)
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/top.txt", strings.NewReader("12345")), http.StatusCreated)
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/a/b/deep.txt", strings.NewReader("123")), http.StatusCreated)

	rec := do(env.shares.GetShareStats, "GET", "/papers?restype=share&comp=stats", nil)
	expectStatus(t, rec, http.StatusOK)
	var st xmlutil.ShareStats
	if err := xml.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.ShareUsageBytes != 8 || st.FileCount != 2 || st.DirectoryCount != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestListShares(t *testing.T) {
	env := newTestEnv(t, Options{})
	for _, name := range []string{"gamma", "alpha", "beta", "other"} {
		env.mustCreateShare(t, name, "x-ms-meta-n", name)
	}

	rec := do(env.service.ListShares, "GET", "/?comp=list&maxresults=2", nil)
	expectStatus(t, rec, http.StatusOK)
	var page xmlutil.ShareEnumerationResults
	if err := xml.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Shares) != 2 || page.Shares[0].Name != "alpha" || page.Shares[1].Name != "beta" {
		t.Fatalf("page 1 = %+v", page.Shares)
	}
	if page.NextMarker != "beta" {
		t.Fatalf("NextMarker = %q, want beta", page.NextMarker)
	}
	if page.Shares[0].Metadata != nil {
		t.Error("metadata returned without include=metadata")
	}

	rec = do(env.service.ListShares, "GET", "/?comp=list&maxresults=2&include=metadata&marker="+page.NextMarker, nil)
	expectStatus(t, rec, http.StatusOK)
	page = xmlutil.ShareEnumerationResults{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Shares) != 2 || page.Shares[0].Name != "gamma" || page.NextMarker != "" {
		t.Fatalf("page 2 = %+v next %q", page.Shares, page.NextMarker)
	}
	if page.Shares[0].Metadata["n"] != "gamma" {
		t.Errorf("metadata = %v", page.Shares[0].Metadata)
	}

	rec = do(env.service.ListShares, "GET", "/?comp=list&prefix=o", nil)
	page = xmlutil.ShareEnumerationResults{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Shares) != 1 || page.Shares[0].Name != "other" {
		t.Errorf("prefix page = %+v", page.Shares)
	}
}

func TestServiceProperties(t *testing.T) {
	env := newTestEnv(t, Options{DefaultMaxResults: 100, MaxResults: 1000, ReadOnly: true})
	rec := do(env.service.GetProperties, "GET", "/?restype=service&comp=properties", nil)
	expectStatus(t, rec, http.StatusOK)
	var props xmlutil.StorageServiceProperties
	if err := xml.Unmarshal(rec.Body.Bytes(), &props); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if props.Listing.DefaultMaxResults != 100 || props.Listing.MaxResults != 1000 || !props.ReadOnly {
		t.Errorf("props = %+v", props)
	}
}

package handlers

import (
	"encoding/xml"
	"net/http"
	"strings"
	"testing"

	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

func listEntries(t *testing.T, env *testEnv, target string) xmlutil.EntryEnumerationResults {
	t.Helper()
	rec := do(env.dirs.ListFilesAndDirectories, "GET", target, nil)
	expectStatus(t, rec, http.StatusOK)
	var res xmlutil.EntryEnumerationResults
	if err := xml.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode listing: %v\n%s", err, rec.Body.String())
	}
	return res
}

func entryNames(res xmlutil.EntryEnumerationResults) []string {
	names := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		names = append(names, e.Name)
	}
	return names
}

func TestDirectoryLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	rec := do(env.dirs.CreateDirectory, "PUT", "/papers/reports?restype=directory", nil, "x-ms-meta-team", "finance")
	expectStatus(t, rec, http.StatusCreated)

	rec = do(env.dirs.CreateDirectory, "PUT", "/papers/reports?restype=directory", nil)
	expectErrorCode(t, rec, http.StatusConflict, "ResourceAlreadyExists")

	rec = do(env.dirs.GetDirectoryProperties, "GET", "/papers/reports?restype=directory", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("x-ms-meta-team") != "finance" {
		t.Errorf("metadata = %v", rec.Header())
	}

	rec = do(env.dirs.SetDirectoryMetadata, "PUT", "/papers/reports?restype=directory&comp=metadata", nil, "x-ms-meta-team", "legal")
	expectStatus(t, rec, http.StatusOK)
	rec = do(env.dirs.GetDirectoryProperties, "HEAD", "/papers/reports?restype=directory", nil)
	if rec.Header().Get("x-ms-meta-team") != "legal" {
		t.Errorf("metadata after update = %v", rec.Header())
	}

	expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/reports/2024?restype=directory", nil), http.StatusCreated)

	rec = do(env.dirs.DeleteDirectory, "DELETE", "/papers/reports?restype=directory", nil)
	expectErrorCode(t, rec, http.StatusConflict, "DirectoryNotEmpty")

	expectStatus(t, do(env.dirs.DeleteDirectory, "DELETE", "/papers/reports/2024?restype=directory", nil), http.StatusAccepted)
	expectStatus(t, do(env.dirs.DeleteDirectory, "DELETE", "/papers/reports?restype=directory", nil), http.StatusAccepted)

	rec = do(env.dirs.GetDirectoryProperties, "GET", "/papers/reports?restype=directory", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "ResourceNotFound")
}

func TestCreateDirectoryErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/plain.txt", strings.NewReader("x")), http.StatusCreated)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"missing share", "/nope/a?restype=directory", http.StatusNotFound, "ShareNotFound"},
		{"missing parent", "/papers/a/b?restype=directory", http.StatusNotFound, "ParentNotFound"},
		{"parent is a file", "/papers/plain.txt/b?restype=directory", http.StatusNotFound, "ParentNotFound"},
		{"file in the way", "/papers/plain.txt?restype=directory", http.StatusConflict, "ResourceAlreadyExists"},
		{"share root", "/papers?restype=directory", http.StatusConflict, "ResourceAlreadyExists"},
		{"bad name", "/papers/a%3Fb?restype=directory", http.StatusBadRequest, "InvalidResourceName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(env.dirs.CreateDirectory, "PUT", tt.target, nil)
			expectErrorCode(t, rec, tt.status, tt.code)
		})
	}
}

func TestDirectoryTypeMismatch(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/plain.txt", strings.NewReader("x")), http.StatusCreated)

	rec := do(env.dirs.DeleteDirectory, "DELETE", "/papers/plain.txt?restype=directory", nil)
	expectErrorCode(t, rec, http.StatusConflict, "ResourceTypeMismatch")

	rec = do(env.dirs.DeleteDirectory, "DELETE", "/papers?restype=directory", nil)
	expectErrorCode(t, rec, http.StatusBadRequest, "InvalidUri")
}

func TestListFilesAndDirectoriesOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/b?restype=directory", nil), http.StatusCreated)
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("aaa"), "x-ms-meta-k", "v"), http.StatusCreated)
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/c.txt", strings.NewReader("c")), http.StatusCreated)
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/b/nested.txt", strings.NewReader("n")), http.StatusCreated)

	res := listEntries(t, env, "/papers?restype=directory&comp=list")
	if got := strings.Join(entryNames(res), ","); got != "a.txt,b,c.txt" {
		t.Fatalf("entries = %s", got)
	}
	if res.NextMarker != "" {
		t.Errorf("NextMarker = %q, want empty", res.NextMarker)
	}
	if res.Entries[0].IsDir() || !res.Entries[1].IsDir() {
		t.Errorf("entry kinds wrong: %+v", res.Entries)
	}
	if res.Entries[0].Properties == nil || res.Entries[0].Properties.ContentLength != 3 {
		t.Errorf("a.txt properties = %+v", res.Entries[0].Properties)
	}
	if res.Entries[0].Metadata != nil {
		t.Error("metadata listed without include=metadata")
	}

	res = listEntries(t, env, "/papers?restype=directory&comp=list&include=metadata")
	if res.Entries[0].Metadata["k"] != "v" {
		t.Errorf("metadata = %v", res.Entries[0].Metadata)
	}

	res = listEntries(t, env, "/papers/b?restype=directory&comp=list")
	if res.DirectoryPath != "b" || strings.Join(entryNames(res), ",") != "nested.txt" {
		t.Errorf("nested listing = %+v", res)
	}
}

func TestListFilesAndDirectoriesPaging(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	for _, name := range []string{"d1", "d2", "d3", "d4", "d5"} {
		expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/"+name+"?restype=directory", nil), http.StatusCreated)
	}

	var seen []string
	marker := ""
	pages := 0
	for {
		target := "/papers?restype=directory&comp=list&maxresults=2"
		if marker != "" {
			target += "&marker=" + marker
		}
		res := listEntries(t, env, target)
		pages++
		if len(res.Entries) > 2 {
			t.Fatalf("page %d has %d entries", pages, len(res.Entries))
		}
		if res.MaxResults != 2 {
			t.Errorf("MaxResults echoed as %d", res.MaxResults)
		}
		seen = append(seen, entryNames(res)...)
		if res.NextMarker == "" {
			break
		}
		if res.NextMarker != seen[len(seen)-1] {
			t.Fatalf("NextMarker %q is not the last returned name %q", res.NextMarker, seen[len(seen)-1])
		}
		marker = res.NextMarker
	}
	if pages != 3 || strings.Join(seen, ",") != "d1,d2,d3,d4,d5" {
		t.Errorf("pages = %d, seen = %v", pages, seen)
	}

	res := listEntries(t, env, "/papers?restype=directory&comp=list&prefix=d4")
	if strings.Join(entryNames(res), ",") != "d4" {
		t.Errorf("prefix listing = %v", entryNames(res))
	}

	res = listEntries(t, env, "/papers?restype=directory&comp=list&marker=d5")
	if len(res.Entries) != 0 || res.NextMarker != "" {
		t.Errorf("listing past the end = %+v", res)
	}
}

func TestListMaxResultsClamped(t *testing.T) {
	env := newTestEnv(t, Options{DefaultMaxResults: 2, MaxResults: 3})
	env.mustCreateShare(t, "papers")
	for _, name := range []string{"a", "b", "c", "d"} {
		expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/"+name+"?restype=directory", nil), http.StatusCreated)
	}

	res := listEntries(t, env, "/papers?restype=directory&comp=list")
	if len(res.Entries) != 2 || res.NextMarker != "b" {
		t.Errorf("default page = %v next %q", entryNames(res), res.NextMarker)
	}
	res = listEntries(t, env, "/papers?restype=directory&comp=list&maxresults=100")
	if len(res.Entries) != 3 || res.NextMarker != "c" {
		t.Errorf("clamped page = %v next %q", entryNames(res), res.NextMarker)
	}
}

func TestListQueryErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"zero maxresults", "maxresults=0", "OutOfRangeInput"},
		{"negative maxresults", "maxresults=-3", "OutOfRangeInput"},
		{"text maxresults", "maxresults=many", "InvalidQueryParameterValue"},
		{"unknown include", "include=snapshots", "InvalidQueryParameterValue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(env.dirs.ListFilesAndDirectories, "GET", "/papers?restype=directory&comp=list&"+tt.query, nil)
			expectErrorCode(t, rec, http.StatusBadRequest, tt.code)
			rec = do(env.service.ListShares, "GET", "/?comp=list&"+tt.query, nil)
			expectErrorCode(t, rec, http.StatusBadRequest, tt.code)
		})
	}

	rec := do(env.dirs.ListFilesAndDirectories, "GET", "/papers/missing?restype=directory&comp=list", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "ResourceNotFound")
}

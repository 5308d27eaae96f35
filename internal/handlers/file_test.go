package handlers

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/bleepfile/internal/metadata"
)

func md5Header(s string) string {
	sum := md5.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestPutGetFile(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	rec := do(env.files.PutFile, "PUT", "/papers/hello.txt", strings.NewReader("hello world"),
		"x-ms-type", "file", "x-ms-content-type", "text/plain", "x-ms-meta-Author", "kim")
	expectStatus(t, rec, http.StatusCreated)
	if got := rec.Header().Get("Content-MD5"); got != md5Header("hello world") {
		t.Errorf("Content-MD5 = %q", got)
	}
	etag := rec.Header().Get("ETag")

	rec = do(env.files.GetFile, "GET", "/papers/hello.txt", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "hello world" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("x-ms-meta-author") != "kim" {
		t.Errorf("metadata = %v", rec.Header())
	}
	if rec.Header().Get("ETag") != etag {
		t.Errorf("ETag = %q, want %q", rec.Header().Get("ETag"), etag)
	}

	rec = do(env.files.GetFileProperties, "HEAD", "/papers/hello.txt", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Content-Length") != "11" || rec.Body.Len() != 0 {
		t.Errorf("HEAD Content-Length = %q body %q", rec.Header().Get("Content-Length"), rec.Body.String())
	}

	rec = do(env.files.PutFile, "PUT", "/papers/hello.txt", strings.NewReader("bye"))
	expectStatus(t, rec, http.StatusCreated)
	rec = do(env.files.GetFile, "GET", "/papers/hello.txt", nil)
	if rec.Body.String() != "bye" {
		t.Errorf("overwritten body = %q", rec.Body.String())
	}
}

func TestPutFileErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/dir?restype=directory", nil), http.StatusCreated)

	tests := []struct {
		name   string
		target string
		header []string
		status int
		code   string
	}{
		{"missing share", "/nope/a.txt", nil, http.StatusNotFound, "ShareNotFound"},
		{"missing parent", "/papers/none/a.txt", nil, http.StatusNotFound, "ParentNotFound"},
		{"directory in the way", "/papers/dir", nil, http.StatusConflict, "ResourceTypeMismatch"},
		{"bad type", "/papers/a.txt", []string{"x-ms-type", "directory"}, http.StatusBadRequest, "InvalidHeaderValue"},
		{"bad md5 header", "/papers/a.txt", []string{"Content-MD5", "not-base64!"}, http.StatusBadRequest, "InvalidHeaderValue"},
		{"if-match on missing file", "/papers/a.txt", []string{"If-Match", `"0x1"`}, http.StatusPreconditionFailed, "ConditionNotMet"},
		{"share root", "/papers", nil, http.StatusBadRequest, "InvalidResourceName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(env.files.PutFile, "PUT", tt.target, strings.NewReader("data"), tt.header...)
			expectErrorCode(t, rec, tt.status, tt.code)
		})
	}
}

func TestPutFileMD5Mismatch(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")

	rec := do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("actual"), "Content-MD5", md5Header("expected"))
	expectErrorCode(t, rec, http.StatusBadRequest, "Md5Mismatch")

	rec = do(env.files.GetFileProperties, "HEAD", "/papers/a.txt", nil)
	expectStatus(t, rec, http.StatusNotFound)
	exists, err := env.store.FileExists(context.Background(), "papers", "a.txt")
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if exists {
		t.Error("content stored despite MD5 mismatch")
	}

	rec = do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("actual"), "Content-MD5", md5Header("actual"))
	expectStatus(t, rec, http.StatusCreated)
}

func TestPutFileSizeLimit(t *testing.T) {
	env := newTestEnv(t, Options{MaxFileSize: 4})
	env.mustCreateShare(t, "papers")

	rec := do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("hello"))
	expectErrorCode(t, rec, http.StatusRequestEntityTooLarge, "RequestBodyTooLarge")

	// Without a Content-Length the limit applies while streaming.
	req := httptest.NewRequest("PUT", "/papers/b.txt", io.NopCloser(strings.NewReader("hello")))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	env.files.PutFile(rec, req)
	expectErrorCode(t, rec, http.StatusRequestEntityTooLarge, "RequestBodyTooLarge")

	rec = do(env.files.GetFileProperties, "HEAD", "/papers/b.txt", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestPutFileQuota(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers", "x-ms-share-quota", "1")

	req := httptest.NewRequest("PUT", "/papers/big.bin", strings.NewReader("x"))
	req.ContentLength = 2 << 30
	rec := httptest.NewRecorder()
	env.files.PutFile(rec, req)
	expectErrorCode(t, rec, http.StatusRequestEntityTooLarge, "ShareQuotaExceeded")

	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/small.bin", strings.NewReader("x")), http.StatusCreated)
}

func TestPutFileQuotaChunked(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers", "x-ms-share-quota", "1")
	now := time.Now().UTC()
	if err := env.meta.PutEntry(context.Background(), &metadata.EntryRecord{
		Share: "papers", Path: "full.bin", Kind: metadata.KindFile, Size: 1 << 30,
		ETag: `"0x1"`, CreatedAt: now, LastModified: now,
	}); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}

	req := httptest.NewRequest("PUT", "/papers/more.bin", io.NopCloser(strings.NewReader("0123456789")))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	rec := httptest.NewRecorder()
	env.files.PutFile(rec, req)
	expectErrorCode(t, rec, http.StatusRequestEntityTooLarge, "ShareQuotaExceeded")

	rec = do(env.files.GetFileProperties, "HEAD", "/papers/more.bin", nil)
	expectStatus(t, rec, http.StatusNotFound)

	// Replacing the full file frees its bytes.
	req = httptest.NewRequest("PUT", "/papers/full.bin", io.NopCloser(strings.NewReader("0123456789")))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	env.files.PutFile(rec, req)
	expectStatus(t, rec, http.StatusCreated)
}

func TestGetFileRange(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/abc.txt", strings.NewReader("0123456789")), http.StatusCreated)

	tests := []struct {
		name         string
		header       string
		value        string
		body         string
		contentRange string
	}{
		{"x-ms-range", "x-ms-range", "bytes=2-4", "234", "bytes 2-4/10"},
		{"range header", "Range", "bytes=7-", "789", "bytes 7-9/10"},
		{"suffix", "Range", "bytes=-2", "89", "bytes 8-9/10"},
		{"end clamped", "x-ms-range", "bytes=8-100", "89", "bytes 8-9/10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(env.files.GetFile, "GET", "/papers/abc.txt", nil, tt.header, tt.value)
			expectStatus(t, rec, http.StatusPartialContent)
			if rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.contentRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.contentRange)
			}
			if rec.Header().Get("x-ms-content-md5") != md5Header("0123456789") {
				t.Errorf("x-ms-content-md5 = %q", rec.Header().Get("x-ms-content-md5"))
			}
		})
	}

	rec := do(env.files.GetFile, "GET", "/papers/abc.txt", nil, "x-ms-range", "bytes=20-30")
	expectErrorCode(t, rec, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
	if rec.Header().Get("Content-Range") != "bytes */10" {
		t.Errorf("Content-Range = %q", rec.Header().Get("Content-Range"))
	}
}

func TestGetFileRangeMD5(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/abc.txt", strings.NewReader("0123456789")), http.StatusCreated)

	rec := do(env.files.GetFile, "GET", "/papers/abc.txt", nil, "x-ms-range", "bytes=0-3", "x-ms-range-get-content-md5", "true")
	expectStatus(t, rec, http.StatusPartialContent)
	if rec.Header().Get("Content-MD5") != md5Header("0123") {
		t.Errorf("range Content-MD5 = %q", rec.Header().Get("Content-MD5"))
	}

	rec = do(env.files.GetFile, "GET", "/papers/abc.txt", nil, "x-ms-range-get-content-md5", "true")
	expectErrorCode(t, rec, http.StatusBadRequest, "InvalidHeaderValue")
}

func TestFileConditionalRequests(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	rec := do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("v1"))
	expectStatus(t, rec, http.StatusCreated)
	etag := rec.Header().Get("ETag")

	rec = do(env.files.GetFile, "GET", "/papers/a.txt", nil, "If-None-Match", etag)
	expectStatus(t, rec, http.StatusNotModified)

	rec = do(env.files.GetFile, "GET", "/papers/a.txt", nil, "If-Match", `"0xDEAD"`)
	expectErrorCode(t, rec, http.StatusPreconditionFailed, "ConditionNotMet")

	rec = do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("v2"), "If-None-Match", "*")
	expectErrorCode(t, rec, http.StatusPreconditionFailed, "ConditionNotMet")

	rec = do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("v2"), "If-Match", etag)
	expectStatus(t, rec, http.StatusCreated)

	rec = do(env.files.DeleteFile, "DELETE", "/papers/a.txt", nil, "If-Match", etag)
	expectErrorCode(t, rec, http.StatusPreconditionFailed, "ConditionNotMet")
}

func TestCopyFile(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "src")
	env.mustCreateShare(t, "dst")
	expectStatus(t, do(env.files.PutFile, "PUT", "/src/a.txt", strings.NewReader("payload"), "x-ms-meta-origin", "src"), http.StatusCreated)

	rec := do(env.files.PutFile, "PUT", "/dst/b.txt", nil, "x-ms-copy-source", "http://example.com/src/a.txt")
	expectStatus(t, rec, http.StatusAccepted)
	if rec.Header().Get("x-ms-copy-status") != "success" || rec.Header().Get("x-ms-copy-id") == "" {
		t.Errorf("copy headers = %v", rec.Header())
	}

	rec = do(env.files.GetFile, "GET", "/dst/b.txt", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "payload" || rec.Header().Get("x-ms-meta-origin") != "src" {
		t.Errorf("copied file = %q %v", rec.Body.String(), rec.Header())
	}

	rec = do(env.files.PutFile, "PUT", "/dst/c.txt", nil, "x-ms-copy-source", "/src/missing.txt")
	expectErrorCode(t, rec, http.StatusNotFound, "ResourceNotFound")

	rec = do(env.files.PutFile, "PUT", "/dst/c.txt", nil, "x-ms-copy-source", "/src")
	expectErrorCode(t, rec, http.StatusBadRequest, "InvalidHeaderValue")
}

func TestSetFileMetadataAndDelete(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.files.PutFile, "PUT", "/papers/a.txt", strings.NewReader("x"), "x-ms-meta-a", "1"), http.StatusCreated)

	rec := do(env.files.SetFileMetadata, "PUT", "/papers/a.txt?comp=metadata", nil, "x-ms-meta-b", "2")
	expectStatus(t, rec, http.StatusOK)
	rec = do(env.files.GetFileProperties, "HEAD", "/papers/a.txt", nil)
	if rec.Header().Get("x-ms-meta-a") != "" || rec.Header().Get("x-ms-meta-b") != "2" {
		t.Errorf("metadata = %v", rec.Header())
	}

	expectStatus(t, do(env.files.DeleteFile, "DELETE", "/papers/a.txt", nil), http.StatusAccepted)
	rec = do(env.files.GetFile, "GET", "/papers/a.txt", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "ResourceNotFound")
	rec = do(env.files.DeleteFile, "DELETE", "/papers/a.txt", nil)
	expectErrorCode(t, rec, http.StatusNotFound, "ResourceNotFound")
}

func TestFileOperationsOnDirectory(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mustCreateShare(t, "papers")
	expectStatus(t, do(env.dirs.CreateDirectory, "PUT", "/papers/dir?restype=directory", nil), http.StatusCreated)

	rec := do(env.files.GetFile, "GET", "/papers/dir", nil)
	expectErrorCode(t, rec, http.StatusConflict, "ResourceTypeMismatch")
	rec = do(env.files.DeleteFile, "DELETE", "/papers/dir", nil)
	expectErrorCode(t, rec, http.StatusConflict, "ResourceTypeMismatch")
}

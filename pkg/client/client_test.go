package client

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepfile/internal/naming"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
	"github.com/bleepstore/bleepfile/pkg/paging"
)

const testKey = "YmxlZXBmaWxlLWRldmVsb3BtZW50LWtleQ=="

// countingServer starts an httptest server that counts requests before
// calling fn.
func countingServer(t *testing.T, fn http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		if fn != nil {
			fn(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &n
}

func writeXML(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	require.NoError(t, xml.NewEncoder(w).Encode(v))
}

func TestResolveLocation(t *testing.T) {
	primaryToken := &paging.ContinuationToken{NextMarker: "m", TargetLocation: paging.LocationPrimary}
	secondaryToken := &paging.ContinuationToken{NextMarker: "m", TargetLocation: paging.LocationSecondary}
	unsetToken := &paging.ContinuationToken{NextMarker: "m"}

	tests := []struct {
		name     string
		def      paging.LocationMode
		token    *paging.ContinuationToken
		call     paging.LocationMode
		expected paging.LocationMode
	}{
		{"nothing set", paging.LocationUnset, nil, paging.LocationUnset, paging.LocationPrimary},
		{"client default", paging.LocationSecondary, nil, paging.LocationUnset, paging.LocationSecondary},
		{"call beats default", paging.LocationSecondary, nil, paging.LocationPrimary, paging.LocationPrimary},
		{"token beats call", paging.LocationPrimary, secondaryToken, paging.LocationPrimary, paging.LocationSecondary},
		{"primary token", paging.LocationSecondary, primaryToken, paging.LocationSecondary, paging.LocationPrimary},
		{"cleared token hint", paging.LocationUnset, unsetToken, paging.LocationUnset, paging.LocationPrimary},
		{"cleared hint with call", paging.LocationUnset, unsetToken, paging.LocationSecondary, paging.LocationSecondary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := newConn("http://primary.example", nil, &ClientOptions{Location: tt.def})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.resolveLocation(tt.token, tt.call))
		})
	}
}

func TestNewConnRejectsBadOptions(t *testing.T) {
	_, err := newConn("ftp://host", nil, nil)
	assert.Error(t, err)

	_, err = newConn("http://host", nil, &ClientOptions{Location: paging.LocationMode("Tertiary")})
	assert.Error(t, err)

	_, err = newConn("http://host", nil, &ClientOptions{SecondaryURL: "::bad"})
	assert.Error(t, err)
}

func TestSecondaryWithoutEndpoint(t *testing.T) {
	ts, calls := countingServer(t, nil)
	svc, err := NewServiceClient(ts.URL, nil, &ClientOptions{Location: paging.LocationSecondary})
	require.NoError(t, err)

	_, err = svc.ListSharesSegment(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoSecondary)

	_, err = svc.NewShareClient("data").NewRootDirectoryClient().
		ListFilesAndDirectoriesSegment(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoSecondary)

	// A token pinned to the secondary fails the same way.
	token := &paging.ContinuationToken{NextMarker: "a", TargetLocation: paging.LocationSecondary}
	_, err = svc.ListSharesSegment(context.Background(), &ListSharesOptions{Location: paging.LocationPrimary}, token)
	assert.ErrorIs(t, err, ErrNoSecondary)

	assert.Zero(t, calls.Load())
}

func TestNameValidationBeforeRequest(t *testing.T) {
	ts, calls := countingServer(t, nil)
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.NewShareClient("Bad_Share").Create(ctx, nil)
	assert.ErrorIs(t, err, naming.ErrInvalidName)

	_, err = svc.NewShareClient("metrics").Create(ctx, nil)
	assert.ErrorIs(t, err, naming.ErrInvalidName)

	share := svc.NewShareClient("good")
	_, err = share.NewDirectoryClient("a/b*c").Create(ctx, nil)
	assert.ErrorIs(t, err, naming.ErrInvalidName)

	_, err = share.NewFileClient("").UploadBytes(ctx, []byte("x"), nil)
	assert.ErrorIs(t, err, naming.ErrInvalidName)

	_, err = share.NewFileClient("dir/f?.txt").Download(ctx, nil)
	assert.ErrorIs(t, err, naming.ErrInvalidName)

	_, err = share.Create(ctx, &CreateShareOptions{Metadata: map[string]string{"1bad": "v"}})
	assert.Error(t, err)

	_, err = svc.ListSharesSegment(ctx, &ListSharesOptions{MaxResults: -1}, nil)
	assert.Error(t, err)

	assert.Zero(t, calls.Load())
}

func TestStorageErrorFromBody(t *testing.T) {
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(xmlutil.RequestIDHeader, "req-1")
		writeXML(t, w, http.StatusConflict, xmlutil.ErrorResponse{
			Code:    "ShareAlreadyExists",
			Message: "The specified share already exists.",
		})
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	_, err = svc.NewShareClient("data").Create(context.Background(), nil)
	require.Error(t, err)

	se, ok := AsStorageError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, "ShareAlreadyExists", se.Code)
	assert.Equal(t, "req-1", se.RequestID)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	assert.False(t, IsIntegrity(err))
}

func TestStorageErrorFromHeadHeader(t *testing.T) {
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("x-ms-error-code", "ResourceNotFound")
		w.WriteHeader(http.StatusNotFound)
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	_, err = svc.NewShareClient("data").NewFileClient("missing.txt").GetProperties(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	se, _ := AsStorageError(err)
	assert.Equal(t, "ResourceNotFound", se.Code)
}

func TestDownloadIntegrity(t *testing.T) {
	wrong := md5.Sum([]byte("something else"))
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(wrong[:]))
		w.Write([]byte("hello world"))
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	_, err = svc.NewShareClient("data").NewFileClient("f.txt").DownloadBytes(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.True(t, IsIntegrity(err))
}

func TestDownloadVerified(t *testing.T) {
	content := []byte("hello world")
	sum := md5.Sum(content[6:])
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=6-10", r.Header.Get("x-ms-range"))
		assert.Equal(t, "true", r.Header.Get("x-ms-range-get-content-md5"))
		w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
		w.Header().Set("Content-Range", "bytes 6-10/11")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[6:])
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	got, err := svc.NewShareClient("data").NewFileClient("f.txt").DownloadBytes(context.Background(),
		&DownloadOptions{Offset: 6, Count: 5, RangeGetContentMD5: true})
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestRangeMD5RequiresRange(t *testing.T) {
	ts, calls := countingServer(t, nil)
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	_, err = svc.NewShareClient("data").NewFileClient("f.txt").Download(context.Background(),
		&DownloadOptions{RangeGetContentMD5: true})
	assert.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestUploadSendsContentMD5(t *testing.T) {
	content := "some content"
	sum := md5.Sum([]byte(content))
	want := base64.StdEncoding.EncodeToString(sum[:])
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/data/dir/f.txt", r.URL.Path)
		assert.Equal(t, "file", r.Header.Get("x-ms-type"))
		assert.Equal(t, want, r.Header.Get("Content-MD5"))
		assert.Equal(t, "v1", r.Header.Get("x-ms-meta-k1"))
		assert.Equal(t, int64(len(content)), r.ContentLength)
		w.Header().Set("Content-MD5", want)
		w.Header().Set("ETag", `"0x1"`)
		w.WriteHeader(http.StatusCreated)
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	body := strings.NewReader("xx" + content)
	_, err = body.Seek(2, 0)
	require.NoError(t, err)

	resp, err := svc.NewShareClient("data").NewDirectoryClient("dir").NewFileClient("f.txt").
		Upload(context.Background(), body, &UploadOptions{Metadata: map[string]string{"k1": "v1"}})
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, resp.ETag)
	assert.Equal(t, sum[:], resp.ContentMD5)
}

func TestSharedKeySigning(t *testing.T) {
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "SharedKey devstoreaccount1:"))
		assert.NotEmpty(t, r.Header.Get("x-ms-date"))
		assert.NotEmpty(t, r.Header.Get("x-ms-version"))
		w.WriteHeader(http.StatusCreated)
	})
	cred, err := NewSharedKeyCredential("devstoreaccount1", testKey)
	require.NoError(t, err)
	svc, err := NewServiceClient(ts.URL, cred, nil)
	require.NoError(t, err)

	_, err = svc.NewShareClient("data").Create(context.Background(), nil)
	require.NoError(t, err)
}

func TestSASQueryAppended(t *testing.T) {
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "abc", q.Get("sig"))
		assert.Equal(t, "r", q.Get("sp"))
		assert.Equal(t, "metadata", q.Get("comp"))
		w.WriteHeader(http.StatusOK)
	})
	cred, err := NewSharedKeyCredential("devstoreaccount1", testKey)
	require.NoError(t, err)
	svc, err := NewServiceClient(ts.URL, cred, &ClientOptions{SAS: "?sp=r&sig=abc"})
	require.NoError(t, err)

	_, err = svc.NewShareClient("data").NewFileClient("f.txt").SetMetadata(context.Background(), map[string]string{"a": "b"})
	require.NoError(t, err)
}

func TestNewSharedKeyCredentialRejectsBadKey(t *testing.T) {
	_, err := NewSharedKeyCredential("acct", "not base64!")
	assert.Error(t, err)
}

func TestListSharesPagerFollowsTokens(t *testing.T) {
	names := []string{"alpha", "bravo", "charlie"}
	ts, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "list", q.Get("comp"))
		assert.Equal(t, "1", q.Get("maxresults"))
		marker := q.Get("marker")
		res := xmlutil.ShareEnumerationResults{Marker: marker, MaxResults: 1}
		for i, n := range names {
			if n > marker {
				res.Shares = append(res.Shares, xmlutil.ShareItem{Name: n})
				if i < len(names)-1 {
					res.NextMarker = n
				}
				break
			}
		}
		writeXML(t, w, http.StatusOK, res)
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	pager := svc.NewListSharesPager(&ListSharesOptions{MaxResults: 1})
	var got []string
	var tokens []*paging.ContinuationToken
	for pager.More() {
		page, err := pager.NextPage(context.Background())
		require.NoError(t, err)
		for _, s := range page.Items {
			got = append(got, s.Name)
		}
		tokens = append(tokens, page.Continuation)
	}
	assert.Equal(t, names, got)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, tokens, 3)
	assert.Equal(t, paging.LocationPrimary, tokens[0].TargetLocation)
	assert.Nil(t, tokens[2])
}

func TestListEntriesDecodesKinds(t *testing.T) {
	ts, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/dir", r.URL.Path)
		assert.Equal(t, "directory", r.URL.Query().Get("restype"))
		writeXML(t, w, http.StatusOK, xmlutil.EntryEnumerationResults{
			ShareName:     "data",
			DirectoryPath: "dir",
			Entries: xmlutil.EntryList{
				xmlutil.NewFileItem("a.txt", 42),
				xmlutil.NewDirectoryItem("b"),
			},
		})
	})
	svc, err := NewServiceClient(ts.URL, nil, nil)
	require.NoError(t, err)

	page, err := svc.NewShareClient("data").NewDirectoryClient("dir").
		ListFilesAndDirectoriesSegment(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, DirectoryEntry{Name: "a.txt", Size: 42}, page.Items[0])
	assert.Equal(t, DirectoryEntry{Name: "b", IsDirectory: true}, page.Items[1])
	assert.Nil(t, page.Continuation)
}

func TestIsIntegrityWrapped(t *testing.T) {
	err := errors.Join(errors.New("outer"), ErrIntegrity)
	assert.True(t, IsIntegrity(err))
	assert.False(t, IsIntegrity(errors.New("other")))
}

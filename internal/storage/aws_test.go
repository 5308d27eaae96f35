package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type mockS3Object struct {
	data     []byte
	metadata map[string]string
}

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string]mockS3Object
	// listPageSize forces paginated ListObjectsV2 responses.
	listPageSize int
	listCalls    int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]mockS3Object), listPageSize: 2}
}

func noSuchKey() error {
	return &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist."}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if params.ContentMD5 != nil && aws.ToString(params.ContentMD5) != ContentMD5(data) {
		return nil, &mockAPIError{code: "BadDigest", message: "Content-MD5 mismatch"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(params.Key)] = mockS3Object{data: data, metadata: params.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, noSuchKey()
	}
	data := obj.data
	if params.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		end = min(end+1, len(data))
		data = data[start:end]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// CopySource format: "bucket/key"
	_, srcKey, _ := strings.Cut(aws.ToString(params.CopySource), "/")
	src, ok := m.objects[srcKey]
	if !ok {
		return nil, noSuchKey()
	}
	m.objects[aws.ToString(params.Key)] = mockS3Object{
		data:     bytes.Clone(src.data),
		metadata: src.metadata,
	}
	return &s3.CopyObjectOutput{CopyObjectResult: &types.CopyObjectResult{}}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found"}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      obj.metadata,
	}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > aws.ToString(params.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > m.listPageSize {
		keys = keys[:m.listPageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

// mockAPIError implements smithy.APIError.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

func TestAWSBackendConformance(t *testing.T) {
	runBackendConformance(t, func(t *testing.T) StorageBackend {
		return NewAWSGatewayBackendWithClient("upstream", "us-east-1", "bf/", newMockS3Client())
	})
}

func TestAWSKeyMapping(t *testing.T) {
	mock := newMockS3Client()
	b := NewAWSGatewayBackendWithClient("upstream", "us-east-1", "prefix/", mock)
	mustPut(t, b, "docs", "a/b.txt", "x")

	obj, ok := mock.objects["prefix/docs/a/b.txt"]
	if !ok {
		t.Fatalf("expected key prefix/docs/a/b.txt, have %v", mockKeys(mock))
	}
	if obj.metadata[md5MetaKey] != ContentMD5([]byte("x")) {
		t.Errorf("checksum metadata = %q", obj.metadata[md5MetaKey])
	}
}

func TestAWSKeyMappingNoPrefix(t *testing.T) {
	mock := newMockS3Client()
	b := NewAWSGatewayBackendWithClient("upstream", "us-east-1", "", mock)
	mustPut(t, b, "docs", "f", "x")

	if _, ok := mock.objects["docs/f"]; !ok {
		t.Fatalf("expected key docs/f, have %v", mockKeys(mock))
	}
}

func TestAWSDeleteSharePaginates(t *testing.T) {
	mock := newMockS3Client()
	b := NewAWSGatewayBackendWithClient("upstream", "us-east-1", "", mock)
	for i := range 5 {
		mustPut(t, b, "big", fmt.Sprintf("f%d", i), "x")
	}
	mustPut(t, b, "bigger", "f0", "kept")

	if err := b.DeleteShare(context.Background(), "big"); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	if mock.listCalls < 3 {
		t.Errorf("list calls = %d, want at least 3 pages", mock.listCalls)
	}
	if keys := mockKeys(mock); len(keys) != 1 || keys[0] != "bigger/f0" {
		t.Errorf("remaining keys = %v", keys)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	if !isAWSNotFound(noSuchKey()) {
		t.Error("NoSuchKey should be not-found")
	}
	if !isAWSNotFound(fmt.Errorf("wrapped: %w", &types.NoSuchKey{})) {
		t.Error("wrapped types.NoSuchKey should be not-found")
	}
	if isAWSNotFound(&mockAPIError{code: "AccessDenied"}) {
		t.Error("AccessDenied should not be not-found")
	}
}

func mockKeys(m *mockS3Client) []string {
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package storage

// The GCP gateway backend keeps file content in an upstream GCS bucket via
// the official Cloud Storage client library.
//
// Key mapping:
//
//	Files: {prefix}{share}/{path}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server) unless a
// credentials file is configured.

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSAPI defines the subset of the GCS client interface that the gateway
// backend uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewRangeReader returns a reader for length bytes from offset; a
	// negative length reads to the end.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Copy copies a GCS object from src to dst within the same bucket.
	Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error)
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte // raw MD5 hash bytes
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error) {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPGatewayBackend implements the StorageBackend interface by storing file
// content in Google Cloud Storage. All shares live in one upstream bucket
// under a key prefix.
type GCPGatewayBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	client GCSAPI
}

// NewGCPGatewayBackend creates a backend for the given GCS bucket.
func NewGCPGatewayBackend(ctx context.Context, bucket, project, prefix, credentialsFile string) (*GCPGatewayBackend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPGatewayBackendWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP gateway backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPGatewayBackendWithClient creates a GCPGatewayBackend with a
// pre-configured GCS client.
func NewGCPGatewayBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPGatewayBackend {
	return &GCPGatewayBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (b *GCPGatewayBackend) gcsKey(share, path string) string {
	return b.Prefix + fileKey(share, path)
}

func (b *GCPGatewayBackend) PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}

	w := b.client.NewWriter(ctx, b.Bucket, b.gcsKey(share, path))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return 0, "", fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("finalizing GCS upload: %w", err)
	}

	return int64(len(data)), ContentMD5(data), nil
}

func (b *GCPGatewayBackend) GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error) {
	name := b.gcsKey(share, path)

	attrs, err := b.client.Attrs(ctx, b.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, notFound(share, path)
		}
		return nil, 0, fmt.Errorf("getting file attrs from GCS: %w", err)
	}

	reader, err := b.client.NewRangeReader(ctx, b.Bucket, name, 0, -1)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, notFound(share, path)
		}
		return nil, 0, fmt.Errorf("getting file from GCS: %w", err)
	}
	return reader, attrs.Size, nil
}

func (b *GCPGatewayBackend) GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error) {
	reader, err := b.client.NewRangeReader(ctx, b.Bucket, b.gcsKey(share, path), offset, count)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(share, path)
		}
		return nil, fmt.Errorf("getting range from GCS: %w", err)
	}
	return reader, nil
}

// DeleteFile treats a missing object as success; GCS errors on delete of
// non-existent objects unlike S3.
func (b *GCPGatewayBackend) DeleteFile(ctx context.Context, share, path string) error {
	err := b.client.Delete(ctx, b.Bucket, b.gcsKey(share, path))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting file from GCS: %w", err)
	}
	return nil
}

// CopyFile uses server-side copy; GCS reports the MD5 of the new object.
func (b *GCPGatewayBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	attrs, err := b.client.Copy(ctx, b.Bucket, b.gcsKey(srcShare, srcPath), b.gcsKey(dstShare, dstPath))
	if err != nil {
		if isGCSNotFound(err) {
			return "", notFound(srcShare, srcPath)
		}
		return "", fmt.Errorf("copying file in GCS: %w", err)
	}
	return base64.StdEncoding.EncodeToString(attrs.MD5), nil
}

// CreateShare is a no-op: shares map to key prefixes in the upstream bucket.
func (b *GCPGatewayBackend) CreateShare(ctx context.Context, share string) error {
	return nil
}

func (b *GCPGatewayBackend) DeleteShare(ctx context.Context, share string) error {
	names, err := b.client.ListObjects(ctx, b.Bucket, b.Prefix+share+"/")
	if err != nil {
		return fmt.Errorf("listing share objects: %w", err)
	}
	for _, name := range names {
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %q from GCS: %w", name, err)
		}
	}
	return nil
}

func (b *GCPGatewayBackend) FileExists(ctx context.Context, share, path string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.Bucket, b.gcsKey(share, path))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking file existence in GCS: %w", err)
	}
	return true, nil
}

// HealthCheck lists a prefix that never exists to prove the bucket is
// reachable.
func (b *GCPGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00healthcheck\x00")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ StorageBackend = (*GCPGatewayBackend)(nil)

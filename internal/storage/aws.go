package storage

// The AWS gateway backend keeps file content in an upstream S3 bucket via
// the AWS SDK for Go v2. Share and entry metadata stays in the metadata
// store; this backend handles raw bytes only.
//
// Key mapping:
//
//	Files: {prefix}{share}/{path}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// md5MetaKey is the user metadata key holding the base64 content MD5.
const md5MetaKey = "content-md5"

// S3API defines the subset of the AWS S3 client interface that the gateway
// backend uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSGatewayBackend implements the StorageBackend interface by storing file
// content in an upstream Amazon S3 bucket. All shares live in that one
// bucket under a key prefix.
type AWSGatewayBackend struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the AWS region of the upstream bucket.
	Region string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string
	client S3API
}

// NewAWSGatewayBackend creates a backend for the given S3 bucket using the
// default credential chain, with optional overrides for a custom endpoint
// (which also switches to path-style addressing) and static credentials.
func NewAWSGatewayBackend(ctx context.Context, bucket, region, prefix, endpointURL, accessKeyID, secretAccessKey string) (*AWSGatewayBackend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS gateway backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return NewAWSGatewayBackendWithClient(bucket, region, prefix, client), nil
}

// NewAWSGatewayBackendWithClient creates an AWSGatewayBackend with a
// pre-configured S3 client.
func NewAWSGatewayBackendWithClient(bucket, region, prefix string, client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{
		Bucket: bucket,
		Region: region,
		Prefix: prefix,
		client: client,
	}
}

func (b *AWSGatewayBackend) s3Key(share, path string) string {
	return b.Prefix + fileKey(share, path)
}

// PutFile reads all data so the MD5 is computed locally; S3 ETags are not
// MD5s under SSE-KMS. The checksum is stored as object metadata so copies
// can report it without downloading.
func (b *AWSGatewayBackend) PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}
	sum := ContentMD5(data)

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(share, path)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(sum),
		Metadata:      map[string]string{md5MetaKey: sum},
	})
	if err != nil {
		return 0, "", fmt.Errorf("uploading to S3: %w", err)
	}
	return int64(len(data)), sum, nil
}

func (b *AWSGatewayBackend) GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(share, path)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, notFound(share, path)
		}
		return nil, 0, fmt.Errorf("getting file from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (b *AWSGatewayBackend) GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error) {
	if count == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(share, path)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+count-1)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, notFound(share, path)
		}
		return nil, fmt.Errorf("getting range from S3: %w", err)
	}
	return resp.Body, nil
}

// DeleteFile is idempotent: S3 DeleteObject does not error on missing keys.
func (b *AWSGatewayBackend) DeleteFile(ctx context.Context, share, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(share, path)),
	})
	if err != nil {
		return fmt.Errorf("deleting file from S3: %w", err)
	}
	return nil
}

// CopyFile uses server-side copy, which carries the checksum metadata over.
func (b *AWSGatewayBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	dstKey := b.s3Key(dstShare, dstPath)
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(b.Bucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(b.Bucket + "/" + b.s3Key(srcShare, srcPath)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	if err != nil {
		if isAWSNotFound(err) {
			return "", notFound(srcShare, srcPath)
		}
		return "", fmt.Errorf("copying file in S3: %w", err)
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(dstKey),
	})
	if err != nil {
		return "", fmt.Errorf("reading copied file metadata: %w", err)
	}
	return head.Metadata[md5MetaKey], nil
}

// CreateShare is a no-op: shares map to key prefixes in the upstream bucket.
func (b *AWSGatewayBackend) CreateShare(ctx context.Context, share string) error {
	return nil
}

// DeleteShare batch-deletes every object under the share's key prefix.
func (b *AWSGatewayBackend) DeleteShare(ctx context.Context, share string) error {
	prefix := b.Prefix + share + "/"
	var token *string
	for {
		listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing share objects: %w", err)
		}
		if len(listResp.Contents) > 0 {
			objects := make([]types.ObjectIdentifier, 0, len(listResp.Contents))
			for _, obj := range listResp.Contents {
				objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			}
			_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.Bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("deleting share objects: %w", err)
			}
		}
		if !aws.ToBool(listResp.IsTruncated) {
			return nil
		}
		token = listResp.NextContinuationToken
	}
}

func (b *AWSGatewayBackend) FileExists(ctx context.Context, share, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(share, path)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking file existence in S3: %w", err)
	}
	return true, nil
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (b *AWSGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

var _ StorageBackend = (*AWSGatewayBackend)(nil)

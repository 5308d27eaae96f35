package storage

// The Azure gateway backend keeps file content in an upstream Azure Blob
// Storage container via the official Azure SDK for Go.
//
// Key mapping:
//
//	Files: {prefix}{share}/{path}
//
// Credentials come from a connection string, managed identity, or
// DefaultAzureCredential (env vars, Azure CLI, etc.).

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the gateway backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists,
	// and records contentMD5 in the blob's properties.
	UploadBlob(ctx context.Context, containerName, blobName string, data, contentMD5 []byte) error
	// DownloadRange streams count bytes from offset. Zero offset and count
	// download the whole blob.
	DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// GetBlobProperties retrieves the size and MD5 of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProps, error)
	// StartCopyFromURL copies a blob from a source URL.
	StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error
	// ListBlobs lists blob names under prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
}

// AzureBlobProps holds the blob properties the backend reads.
type AzureBlobProps struct {
	Size       int64
	ContentMD5 []byte
}

// AzureGatewayBackend implements the StorageBackend interface by storing file
// content in Azure Blob Storage. All shares live in one upstream container
// under a key prefix.
type AzureGatewayBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the key prefix for all blobs in the upstream container.
	Prefix string
	client AzureBlobAPI
}

// NewAzureGatewayBackend creates a backend for the given Azure Blob container.
func NewAzureGatewayBackend(ctx context.Context, container, accountURL, prefix, connectionString string, useManagedIdentity bool) (*AzureGatewayBackend, error) {
	client, err := newRealAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureGatewayBackendWithClient(container, accountURL, prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure gateway backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureGatewayBackendWithClient creates an AzureGatewayBackend with a
// pre-configured Azure client.
func NewAzureGatewayBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureGatewayBackend {
	return &AzureGatewayBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

func (b *AzureGatewayBackend) blobName(share, path string) string {
	return b.Prefix + fileKey(share, path)
}

func (b *AzureGatewayBackend) PutFile(ctx context.Context, share, path string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}
	sum := md5.Sum(data)

	if err := b.client.UploadBlob(ctx, b.Container, b.blobName(share, path), data, sum[:]); err != nil {
		return 0, "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return int64(len(data)), base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (b *AzureGatewayBackend) GetFile(ctx context.Context, share, path string) (io.ReadCloser, int64, error) {
	name := b.blobName(share, path)

	props, err := b.client.GetBlobProperties(ctx, b.Container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, notFound(share, path)
		}
		return nil, 0, fmt.Errorf("getting blob properties from Azure: %w", err)
	}

	body, err := b.client.DownloadRange(ctx, b.Container, name, 0, 0)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, notFound(share, path)
		}
		return nil, 0, fmt.Errorf("getting file from Azure Blob: %w", err)
	}
	return body, props.Size, nil
}

func (b *AzureGatewayBackend) GetFileRange(ctx context.Context, share, path string, offset, count int64) (io.ReadCloser, error) {
	if count == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	body, err := b.client.DownloadRange(ctx, b.Container, b.blobName(share, path), offset, count)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(share, path)
		}
		return nil, fmt.Errorf("getting range from Azure Blob: %w", err)
	}
	return body, nil
}

// DeleteFile treats a missing blob as success.
func (b *AzureGatewayBackend) DeleteFile(ctx context.Context, share, path string) error {
	err := b.client.DeleteBlob(ctx, b.Container, b.blobName(share, path))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting file from Azure Blob: %w", err)
	}
	return nil
}

// CopyFile uses server-side copy; the Content-MD5 property travels with the
// blob, so the checksum is read back from the destination's properties.
func (b *AzureGatewayBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	dst := b.blobName(dstShare, dstPath)
	sourceURL := fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(b.AccountURL, "/"), b.Container, b.blobName(srcShare, srcPath))

	if err := b.client.StartCopyFromURL(ctx, b.Container, dst, sourceURL); err != nil {
		if isAzureNotFound(err) {
			return "", notFound(srcShare, srcPath)
		}
		return "", fmt.Errorf("copying file in Azure Blob: %w", err)
	}

	props, err := b.client.GetBlobProperties(ctx, b.Container, dst)
	if err != nil {
		return "", fmt.Errorf("reading copied file properties: %w", err)
	}
	return base64.StdEncoding.EncodeToString(props.ContentMD5), nil
}

// CreateShare is a no-op: shares map to key prefixes in the upstream container.
func (b *AzureGatewayBackend) CreateShare(ctx context.Context, share string) error {
	return nil
}

func (b *AzureGatewayBackend) DeleteShare(ctx context.Context, share string) error {
	names, err := b.client.ListBlobs(ctx, b.Container, b.Prefix+share+"/")
	if err != nil {
		return fmt.Errorf("listing share blobs: %w", err)
	}
	for _, name := range names {
		if err := b.client.DeleteBlob(ctx, b.Container, name); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("deleting %q from Azure Blob: %w", name, err)
		}
	}
	return nil
}

func (b *AzureGatewayBackend) FileExists(ctx context.Context, share, path string) (bool, error) {
	_, err := b.client.GetBlobProperties(ctx, b.Container, b.blobName(share, path))
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking file existence in Azure Blob: %w", err)
	}
	return true, nil
}

// HealthCheck lists a prefix that never exists to prove the container is
// reachable.
func (b *AzureGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListBlobs(ctx, b.Container, "\x00healthcheck\x00")
	return err
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "resourcenotfound")
}

var _ StorageBackend = (*AzureGatewayBackend)(nil)

package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. A connection string
// wins, then managed identity, then DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) blobClient(containerName, blobName string) *blob.Client {
	return c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, contentMD5 []byte) error {
	_, err := c.client.UploadBuffer(ctx, containerName, blobName, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentMD5: contentMD5},
	})
	return err
}

func (c *realAzureClient) DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, error) {
	opts := &azblob.DownloadStreamOptions{}
	if offset > 0 || count > 0 {
		opts.Range = blob.HTTPRange{Offset: offset, Count: count}
	}
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) GetBlobProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProps, error) {
	resp, err := c.blobClient(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	props := &AzureBlobProps{ContentMD5: resp.ContentMD5}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	return props, nil
}

func (c *realAzureClient) StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error {
	_, err := c.blobClient(containerName, blobName).StartCopyFromURL(ctx, sourceURL, nil)
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error) {
	pager := c.client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

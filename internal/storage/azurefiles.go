package storage

// The Azure Files backend keeps file content in an upstream Azure file share.
// Each BleepFile share is a directory below an optional prefix directory,
// so the upstream tree mirrors the local one:
//
//	Files: {prefix}/{share}/{path}

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azfile/directory"
	azfile "github.com/Azure/azure-sdk-for-go/sdk/storage/azfile/file"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azfile/fileerror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azfile/share"
)

// azureFilesMaxRange is the largest body a single Put Range call accepts.
const azureFilesMaxRange = 4 << 20

// AzureFileAPI is the subset of Azure Files operations the backend uses.
// Paths are slash separated and relative to the share root.
type AzureFileAPI interface {
	Ping(ctx context.Context) error
	// CreateDirectory creates one directory level. An existing directory is
	// not an error.
	CreateDirectory(ctx context.Context, dir string) error
	DeleteDirectory(ctx context.Context, dir string) error
	// ListDirectory returns the immediate child file and directory names.
	ListDirectory(ctx context.Context, dir string) (files, dirs []string, err error)
	UploadFile(ctx context.Context, name string, data, contentMD5 []byte) error
	// DownloadRange streams count bytes from offset; a zero count reads to
	// the end.
	DownloadRange(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error)
	GetFileProperties(ctx context.Context, name string) (*AzureFileProps, error)
	DeleteFile(ctx context.Context, name string) error
}

// AzureFileProps holds the file properties the backend reads.
type AzureFileProps struct {
	Size       int64
	ContentMD5 []byte
}

type realAzureFilesClient struct {
	share *share.Client
}

func newRealAzureFilesClient(shareURL, account, accountKey string) (*realAzureFilesClient, error) {
	cred, err := share.NewSharedKeyCredential(account, accountKey)
	if err != nil {
		return nil, fmt.Errorf("creating shared key credential: %w", err)
	}
	client, err := share.NewClientWithSharedKeyCredential(shareURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating share client: %w", err)
	}
	return &realAzureFilesClient{share: client}, nil
}

func (c *realAzureFilesClient) dirClient(dir string) *directory.Client {
	if dir == "" || dir == "." {
		return c.share.NewRootDirectoryClient()
	}
	return c.share.NewDirectoryClient(dir)
}

func (c *realAzureFilesClient) fileClient(name string) *azfile.Client {
	dir, base := path.Split(name)
	return c.dirClient(strings.TrimSuffix(dir, "/")).NewFileClient(base)
}

func (c *realAzureFilesClient) Ping(ctx context.Context) error {
	_, err := c.share.GetProperties(ctx, nil)
	return err
}

func (c *realAzureFilesClient) CreateDirectory(ctx context.Context, dir string) error {
	_, err := c.dirClient(dir).Create(ctx, nil)
	if fileerror.HasCode(err, fileerror.ResourceAlreadyExists) {
		return nil
	}
	return err
}

func (c *realAzureFilesClient) DeleteDirectory(ctx context.Context, dir string) error {
	_, err := c.dirClient(dir).Delete(ctx, nil)
	return err
}

func (c *realAzureFilesClient) ListDirectory(ctx context.Context, dir string) ([]string, []string, error) {
	pager := c.dirClient(dir).NewListFilesAndDirectoriesPager(&directory.ListFilesAndDirectoriesOptions{})
	var files, dirs []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, f := range page.Segment.Files {
			if f.Name != nil {
				files = append(files, *f.Name)
			}
		}
		for _, d := range page.Segment.Directories {
			if d.Name != nil {
				dirs = append(dirs, *d.Name)
			}
		}
	}
	return files, dirs, nil
}

// UploadFile creates the file at its final size and fills it with Put Range
// calls.
func (c *realAzureFilesClient) UploadFile(ctx context.Context, name string, data, contentMD5 []byte) error {
	fc := c.fileClient(name)
	contentType := "application/octet-stream"
	_, err := fc.Create(ctx, int64(len(data)), &azfile.CreateOptions{
		HTTPHeaders: &azfile.HTTPHeaders{
			ContentType: &contentType,
			ContentMD5:  contentMD5,
		},
	})
	if err != nil {
		return err
	}
	for offset := 0; offset < len(data); offset += azureFilesMaxRange {
		end := min(offset+azureFilesMaxRange, len(data))
		body := streaming.NopCloser(bytes.NewReader(data[offset:end]))
		if _, err := fc.UploadRange(ctx, int64(offset), body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *realAzureFilesClient) DownloadRange(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	opts := &azfile.DownloadStreamOptions{}
	if offset > 0 || count > 0 {
		opts.Range = azfile.HTTPRange{Offset: offset, Count: count}
	}
	resp, err := c.fileClient(name).DownloadStream(ctx, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureFilesClient) GetFileProperties(ctx context.Context, name string) (*AzureFileProps, error) {
	resp, err := c.fileClient(name).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	props := &AzureFileProps{ContentMD5: resp.ContentMD5}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	return props, nil
}

func (c *realAzureFilesClient) DeleteFile(ctx context.Context, name string) error {
	_, err := c.fileClient(name).Delete(ctx, nil)
	return err
}

// AzureFilesGatewayBackend implements StorageBackend on an Azure file share.
type AzureFilesGatewayBackend struct {
	// ShareURL is the upstream share URL, e.g. https://acct.file.core.windows.net/data.
	ShareURL string
	// Prefix is the directory below the share root that holds all content.
	Prefix string
	client AzureFileAPI
}

// NewAzureFilesGatewayBackend connects to the upstream share with a shared key.
// An empty shareURL is derived from the account and share names.
func NewAzureFilesGatewayBackend(ctx context.Context, account, accountKey, shareURL, shareName, prefix string) (*AzureFilesGatewayBackend, error) {
	if shareURL == "" {
		shareURL = fmt.Sprintf("https://%s.file.core.windows.net/%s", account, shareName)
	}
	client, err := newRealAzureFilesClient(shareURL, account, accountKey)
	if err != nil {
		return nil, err
	}

	b := NewAzureFilesGatewayBackendWithClient(shareURL, prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure file share %q: %w", shareURL, err)
	}
	if b.Prefix != "" {
		if err := b.ensureDirs(ctx, b.Prefix); err != nil {
			return nil, fmt.Errorf("creating prefix directory %q: %w", b.Prefix, err)
		}
	}

	slog.Info("Azure Files backend initialized", "share_url", shareURL, "prefix", prefix)
	return b, nil
}

// NewAzureFilesGatewayBackendWithClient creates an AzureFilesGatewayBackend with a
// pre-configured client.
func NewAzureFilesGatewayBackendWithClient(shareURL, prefix string, client AzureFileAPI) *AzureFilesGatewayBackend {
	return &AzureFilesGatewayBackend{
		ShareURL: shareURL,
		Prefix:   strings.Trim(prefix, "/"),
		client:   client,
	}
}

func (b *AzureFilesGatewayBackend) remotePath(parts ...string) string {
	if b.Prefix != "" {
		parts = append([]string{b.Prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// ensureDirs creates every directory level of dir, outermost first.
func (b *AzureFilesGatewayBackend) ensureDirs(ctx context.Context, dir string) error {
	segments := strings.Split(dir, "/")
	for i := range segments {
		if err := b.client.CreateDirectory(ctx, strings.Join(segments[:i+1], "/")); err != nil {
			return err
		}
	}
	return nil
}

func (b *AzureFilesGatewayBackend) PutFile(ctx context.Context, share, filePath string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}
	sum := md5.Sum(data)

	name := b.remotePath(share, filePath)
	if err := b.ensureDirs(ctx, path.Dir(name)); err != nil {
		return 0, "", fmt.Errorf("creating parent directories of %q: %w", name, err)
	}
	if err := b.client.UploadFile(ctx, name, data, sum[:]); err != nil {
		return 0, "", fmt.Errorf("uploading to Azure Files: %w", err)
	}
	return int64(len(data)), base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (b *AzureFilesGatewayBackend) GetFile(ctx context.Context, share, filePath string) (io.ReadCloser, int64, error) {
	name := b.remotePath(share, filePath)
	props, err := b.client.GetFileProperties(ctx, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, notFound(share, filePath)
		}
		return nil, 0, fmt.Errorf("getting file properties from Azure Files: %w", err)
	}
	if props.Size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), 0, nil
	}
	body, err := b.client.DownloadRange(ctx, name, 0, 0)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, notFound(share, filePath)
		}
		return nil, 0, fmt.Errorf("getting file from Azure Files: %w", err)
	}
	return body, props.Size, nil
}

func (b *AzureFilesGatewayBackend) GetFileRange(ctx context.Context, share, filePath string, offset, count int64) (io.ReadCloser, error) {
	if count == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	body, err := b.client.DownloadRange(ctx, b.remotePath(share, filePath), offset, count)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(share, filePath)
		}
		return nil, fmt.Errorf("getting range from Azure Files: %w", err)
	}
	return body, nil
}

func (b *AzureFilesGatewayBackend) DeleteFile(ctx context.Context, share, filePath string) error {
	err := b.client.DeleteFile(ctx, b.remotePath(share, filePath))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting file from Azure Files: %w", err)
	}
	return nil
}

// CopyFile streams the source through this process; Azure Files server-side
// copy is asynchronous and would leave the checksum unknown.
func (b *AzureFilesGatewayBackend) CopyFile(ctx context.Context, srcShare, srcPath, dstShare, dstPath string) (string, error) {
	rc, size, err := b.GetFile(ctx, srcShare, srcPath)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	_, sum, err := b.PutFile(ctx, dstShare, dstPath, rc, size)
	if err != nil {
		return "", err
	}
	return sum, nil
}

func (b *AzureFilesGatewayBackend) CreateShare(ctx context.Context, share string) error {
	if err := b.ensureDirs(ctx, b.remotePath(share)); err != nil {
		return fmt.Errorf("creating share directory %q: %w", share, err)
	}
	return nil
}

func (b *AzureFilesGatewayBackend) DeleteShare(ctx context.Context, share string) error {
	err := b.deleteTree(ctx, b.remotePath(share))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting share directory %q: %w", share, err)
	}
	return nil
}

// deleteTree removes dir depth first; Azure Files only deletes empty
// directories.
func (b *AzureFilesGatewayBackend) deleteTree(ctx context.Context, dir string) error {
	files, dirs, err := b.client.ListDirectory(ctx, dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := b.client.DeleteFile(ctx, dir+"/"+f); err != nil && !isAzureNotFound(err) {
			return err
		}
	}
	for _, d := range dirs {
		if err := b.deleteTree(ctx, dir+"/"+d); err != nil {
			return err
		}
	}
	return b.client.DeleteDirectory(ctx, dir)
}

func (b *AzureFilesGatewayBackend) FileExists(ctx context.Context, share, filePath string) (bool, error) {
	_, err := b.client.GetFileProperties(ctx, b.remotePath(share, filePath))
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking file existence in Azure Files: %w", err)
	}
	return true, nil
}

// HealthCheck reads the upstream share properties.
func (b *AzureFilesGatewayBackend) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx)
}

var _ StorageBackend = (*AzureFilesGatewayBackend)(nil)

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/bleepstore/bleepfile/internal/config"
)

const (
	cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

	cosmosTypeShare      = "share"
	cosmosTypeEntry      = "entry"
	cosmosTypeCredential = "credential"
)

// CosmosStore keeps metadata in one Cosmos DB container partitioned by
// document type.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func docIDShareCosmos(share string) string {
	return "share_" + share
}

// Cosmos ids may not contain '/', so entry paths are encoded.
func docIDEntryCosmos(share, path string) string {
	return "entry_" + share + "_" + encodeKey(path)
}

func docIDCredentialCosmos(account string) string {
	return "cred_" + account
}

func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}

	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

// cosmosStatus returns the HTTP status of a Cosmos error, or 0.
func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

type cosmosItem struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Name            string `json:"name,omitempty"`
	QuotaGiB        int    `json:"quota_gib,omitempty"`
	ACL             string `json:"acl,omitempty"`
	Share           string `json:"share,omitempty"`
	Path            string `json:"path,omitempty"`
	Parent          string `json:"parent"`
	Kind            string `json:"kind,omitempty"`
	Size            int64  `json:"size,omitempty"`
	ContentMD5      string `json:"content_md5,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	CacheControl    string `json:"cache_control,omitempty"`
	ETag            string `json:"etag,omitempty"`
	Metadata        string `json:"metadata,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	AccountName     string `json:"account_name,omitempty"`
	AccountKey      string `json:"account_key,omitempty"`
	Active          bool   `json:"active,omitempty"`
}

// ---- Shares ----

func shareToCosmos(share *ShareRecord) (*cosmosItem, error) {
	meta, acl, err := encodeShareJSON(share)
	if err != nil {
		return nil, err
	}
	return &cosmosItem{
		ID:           docIDShareCosmos(share.Name),
		Type:         cosmosTypeShare,
		Name:         share.Name,
		QuotaGiB:     share.QuotaGiB,
		Metadata:     meta,
		ACL:          acl,
		ETag:         share.ETag,
		CreatedAt:    share.CreatedAt.UTC().Format(cosmosTimeFormat),
		LastModified: share.LastModified.UTC().Format(cosmosTimeFormat),
	}, nil
}

func (s *CosmosStore) CreateShare(ctx context.Context, share *ShareRecord) error {
	item, err := shareToCosmos(share)
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling share: %w", err)
	}
	_, err = s.client.CreateItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeShare), data, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrShareExists, share.Name)
		}
		return fmt.Errorf("creating share: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetShare(ctx context.Context, name string) (*ShareRecord, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeShare), docIDShareCosmos(name), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting share: %w", err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling share: %w", err)
	}
	return cosmosToShare(&item)
}

func (s *CosmosStore) UpdateShare(ctx context.Context, share *ShareRecord) error {
	item, err := shareToCosmos(share)
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling share: %w", err)
	}
	_, err = s.client.ReplaceItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeShare), item.ID, data, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrShareNotFound, share.Name)
		}
		return fmt.Errorf("updating share: %w", err)
	}
	return nil
}

func (s *CosmosStore) DeleteShare(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeShare), docIDShareCosmos(name), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrShareNotFound, name)
		}
		return fmt.Errorf("deleting share: %w", err)
	}

	pk := azcosmos.NewPartitionKeyString(cosmosTypeEntry)
	pager := s.client.NewQueryItemsPager("SELECT c.id FROM c WHERE c.share = @share", pk, &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{{Name: "@share", Value: name}},
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing share entries: %w", err)
		}
		for _, raw := range resp.Items {
			var ref struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &ref); err != nil {
				continue
			}
			if _, err := s.client.DeleteItem(ctx, pk, ref.ID, nil); err != nil && cosmosStatus(err) != http.StatusNotFound {
				return fmt.Errorf("deleting entry %s: %w", ref.ID, err)
			}
		}
	}
	return nil
}

// queryOrdered runs an ORDER BY name query and stops once max items are read.
func (s *CosmosStore) queryOrdered(ctx context.Context, partition, where string, params []azcosmos.QueryParameter, opts ListOptions, max int) ([]cosmosItem, error) {
	query := "SELECT * FROM c WHERE " + where
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.name, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	if opts.Marker != "" {
		query += " AND c.name > @marker"
		params = append(params, azcosmos.QueryParameter{Name: "@marker", Value: opts.Marker})
	}
	query += " ORDER BY c.name"

	pager := s.client.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(partition), &azcosmos.QueryOptions{
		QueryParameters: params,
		PageSizeHint:    int32(max),
	})

	var items []cosmosItem
	for pager.More() && len(items) < max {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			var ci cosmosItem
			if err := json.Unmarshal(raw, &ci); err != nil {
				continue
			}
			items = append(items, ci)
			if len(items) >= max {
				break
			}
		}
	}
	return items, nil
}

func (s *CosmosStore) ListShares(ctx context.Context, opts ListOptions) (*ListSharesResult, error) {
	limit := opts.limit()
	items, err := s.queryOrdered(ctx, cosmosTypeShare, "c.type = 'share'", nil, opts, limit+1)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	shares := make([]ShareRecord, 0, len(items))
	for i := range items {
		share, err := cosmosToShare(&items[i])
		if err != nil {
			return nil, err
		}
		shares = append(shares, *share)
	}
	page, next := trimPage(shares, limit, shareName)
	return &ListSharesResult{Shares: page, NextMarker: next}, nil
}

// ---- Entries ----

func entryToCosmos(entry *EntryRecord) (*cosmosItem, error) {
	parent, name := splitEntryPath(entry.Path)
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding entry metadata: %w", err)
	}
	return &cosmosItem{
		ID:              docIDEntryCosmos(entry.Share, entry.Path),
		Type:            cosmosTypeEntry,
		Name:            name,
		Share:           entry.Share,
		Path:            entry.Path,
		Parent:          parent,
		Kind:            string(entry.Kind),
		Size:            entry.Size,
		ContentMD5:      entry.ContentMD5,
		ContentType:     entry.ContentType,
		ContentEncoding: entry.ContentEncoding,
		CacheControl:    entry.CacheControl,
		ETag:            entry.ETag,
		Metadata:        string(meta),
		CreatedAt:       entry.CreatedAt.UTC().Format(cosmosTimeFormat),
		LastModified:    entry.LastModified.UTC().Format(cosmosTimeFormat),
	}, nil
}

func (s *CosmosStore) requireShare(ctx context.Context, name string) error {
	share, err := s.GetShare(ctx, name)
	if err != nil {
		return err
	}
	if share == nil {
		return fmt.Errorf("%w: %s", ErrShareNotFound, name)
	}
	return nil
}

func (s *CosmosStore) writeEntry(ctx context.Context, entry *EntryRecord, create bool) error {
	if err := s.requireShare(ctx, entry.Share); err != nil {
		return err
	}
	item, err := entryToCosmos(entry)
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	pk := azcosmos.NewPartitionKeyString(cosmosTypeEntry)
	if create {
		_, err = s.client.CreateItem(ctx, pk, data, nil)
	} else {
		_, err = s.client.UpsertItem(ctx, pk, data, nil)
	}
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return fmt.Errorf("%w: %s/%s", ErrEntryExists, entry.Share, entry.Path)
		}
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func (s *CosmosStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	return s.writeEntry(ctx, entry, true)
}

func (s *CosmosStore) PutEntry(ctx context.Context, entry *EntryRecord) error {
	return s.writeEntry(ctx, entry, false)
}

func (s *CosmosStore) GetEntry(ctx context.Context, share, path string) (*EntryRecord, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeEntry), docIDEntryCosmos(share, path), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return cosmosToEntry(&item)
}

func (s *CosmosStore) DeleteEntry(ctx context.Context, share, path string) error {
	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeEntry), docIDEntryCosmos(share, path), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, share, path)
		}
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

func (s *CosmosStore) ListEntries(ctx context.Context, share, dir string, opts ListOptions) (*ListEntriesResult, error) {
	if err := s.requireShare(ctx, share); err != nil {
		return nil, err
	}
	limit := opts.limit()
	params := []azcosmos.QueryParameter{
		{Name: "@share", Value: share},
		{Name: "@parent", Value: dir},
	}
	items, err := s.queryOrdered(ctx, cosmosTypeEntry, "c.share = @share AND c.parent = @parent", params, opts, limit+1)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	entries := make([]EntryRecord, 0, len(items))
	for i := range items {
		e, err := cosmosToEntry(&items[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	page, next := trimPage(entries, limit, entryName)
	return &ListEntriesResult{Entries: page, NextMarker: next}, nil
}

// ---- Credentials ----

func (s *CosmosStore) GetCredential(ctx context.Context, accountName string) (*CredentialRecord, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeCredential), docIDCredentialCosmos(accountName), nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}

	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling credential: %w", err)
	}

	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	return &CredentialRecord{
		AccountName: item.AccountName,
		AccountKey:  item.AccountKey,
		Active:      item.Active,
		CreatedAt:   createdAt,
	}, nil
}

func (s *CosmosStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	item := &cosmosItem{
		ID:          docIDCredentialCosmos(cred.AccountName),
		Type:        cosmosTypeCredential,
		AccountName: cred.AccountName,
		AccountKey:  cred.AccountKey,
		Active:      cred.Active,
		CreatedAt:   cred.CreatedAt.UTC().Format(cosmosTimeFormat),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}

	_, err = s.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(cosmosTypeCredential), data, nil)
	return err
}

func cosmosToShare(item *cosmosItem) (*ShareRecord, error) {
	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	lastModified, _ := time.Parse(cosmosTimeFormat, item.LastModified)
	share := &ShareRecord{
		Name:         item.Name,
		QuotaGiB:     item.QuotaGiB,
		ETag:         item.ETag,
		CreatedAt:    createdAt,
		LastModified: lastModified,
	}
	if item.Metadata != "" && item.Metadata != "null" {
		if err := json.Unmarshal([]byte(item.Metadata), &share.Metadata); err != nil {
			return nil, fmt.Errorf("decoding share metadata: %w", err)
		}
	}
	if item.ACL != "" && item.ACL != "null" {
		if err := json.Unmarshal([]byte(item.ACL), &share.ACL); err != nil {
			return nil, fmt.Errorf("decoding share acl: %w", err)
		}
	}
	return share, nil
}

func cosmosToEntry(item *cosmosItem) (*EntryRecord, error) {
	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	lastModified, _ := time.Parse(cosmosTimeFormat, item.LastModified)
	e := &EntryRecord{
		Share:           item.Share,
		Path:            item.Path,
		Kind:            EntryKind(item.Kind),
		Size:            item.Size,
		ContentMD5:      item.ContentMD5,
		ContentType:     item.ContentType,
		ContentEncoding: item.ContentEncoding,
		CacheControl:    item.CacheControl,
		ETag:            item.ETag,
		CreatedAt:       createdAt,
		LastModified:    lastModified,
	}
	normalizeEntry(e)
	if item.Metadata != "" && item.Metadata != "null" {
		if err := json.Unmarshal([]byte(item.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding entry metadata: %w", err)
		}
	}
	return e, nil
}

var _ MetadataStore = (*CosmosStore)(nil)

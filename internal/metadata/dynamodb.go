package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/bleepfile/internal/config"
)

const (
	dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

	dynamoSharesPK   = "SHARES"
	dynamoSKMetadata = "#METADATA"

	// dynamoBatchSize is the BatchWriteItem request limit.
	dynamoBatchSize = 25
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore keeps metadata in a single DynamoDB table keyed by pk/sk.
// Shares live under one partition with the share name as sort key, and the
// children of each directory live under their own partition with the child
// name as sort key, so every listing is a Query in sort-key order.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBStore(cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient builds a store around an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkEntries(share, parent string) string {
	return "DIR#" + share + "#" + parent
}

func pkCredential(account string) string {
	return "CRED#" + account
}

func strAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ---- Shares ----

func (s *DynamoDBStore) shareItem(share *ShareRecord) (map[string]types.AttributeValue, error) {
	meta, acl, err := encodeShareJSON(share)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"pk":            strAttr(dynamoSharesPK),
		"sk":            strAttr(share.Name),
		"type":          strAttr("share"),
		"quota_gib":     numAttr(int64(share.QuotaGiB)),
		"metadata":      strAttr(meta),
		"acl":           strAttr(acl),
		"etag":          strAttr(share.ETag),
		"created_at":    strAttr(share.CreatedAt.UTC().Format(dynamoTimeFormat)),
		"last_modified": strAttr(share.LastModified.UTC().Format(dynamoTimeFormat)),
	}, nil
}

func (s *DynamoDBStore) CreateShare(ctx context.Context, share *ShareRecord) error {
	item, err := s.shareItem(share)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrShareExists, share.Name)
		}
		return fmt.Errorf("creating share: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetShare(ctx context.Context, name string) (*ShareRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": strAttr(dynamoSharesPK),
			"sk": strAttr(name),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting share: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToShare(resp.Item)
}

func (s *DynamoDBStore) UpdateShare(ctx context.Context, share *ShareRecord) error {
	item, err := s.shareItem(share)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrShareNotFound, share.Name)
		}
		return fmt.Errorf("updating share: %w", err)
	}
	return nil
}

// DeleteShare removes the share record and then walks the directory tree
// deleting every entry partition.
func (s *DynamoDBStore) DeleteShare(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": strAttr(dynamoSharesPK),
			"sk": strAttr(name),
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrShareNotFound, name)
		}
		return fmt.Errorf("deleting share: %w", err)
	}
	return s.deleteTree(ctx, name, "")
}

func (s *DynamoDBStore) deleteTree(ctx context.Context, share, dir string) error {
	items, err := s.queryRange(ctx, pkEntries(share, dir), "", "", 0)
	if err != nil {
		return err
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		if getString(item, "kind") == string(KindDirectory) {
			child := getString(item, "path")
			if err := s.deleteTree(ctx, share, child); err != nil {
				return err
			}
		}
		keys = append(keys, map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]})
	}
	return s.batchDelete(ctx, keys)
}

func (s *DynamoDBStore) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		pending := map[string][]types.WriteRequest{s.tableName: reqs}
		for len(pending) > 0 && len(pending[s.tableName]) > 0 {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("batch deleting entries: %w", err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func (s *DynamoDBStore) ListShares(ctx context.Context, opts ListOptions) (*ListSharesResult, error) {
	limit := opts.limit()
	items, err := s.queryRange(ctx, dynamoSharesPK, opts.Prefix, opts.Marker, limit+1)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	shares := make([]ShareRecord, 0, len(items))
	for _, item := range items {
		share, err := itemToShare(item)
		if err != nil {
			return nil, err
		}
		shares = append(shares, *share)
	}
	page, next := trimPage(shares, limit, shareName)
	return &ListSharesResult{Shares: page, NextMarker: next}, nil
}

// queryRange reads items of one partition in sort-key order, starting after
// marker and keeping only sort keys with the given prefix. It stops after
// max items (max <= 0 reads the whole range). Because the range is ordered,
// the first key past the prefix ends the scan.
func (s *DynamoDBStore) queryRange(ctx context.Context, pk, prefix, marker string, max int) ([]map[string]types.AttributeValue, error) {
	cond := "pk = :pk"
	values := map[string]types.AttributeValue{":pk": strAttr(pk)}
	switch {
	case marker != "" && marker >= prefix:
		cond += " AND sk > :start"
		values[":start"] = strAttr(marker)
	case prefix != "":
		cond += " AND sk >= :start"
		values[":start"] = strAttr(prefix)
	}

	var out []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
			ConsistentRead:            aws.Bool(true),
		}
		if max > 0 {
			input.Limit = aws.Int32(int32(max - len(out)))
		}
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			if !strings.HasPrefix(getString(item, "sk"), prefix) {
				return out, nil
			}
			out = append(out, item)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// ---- Entries ----

func entryItem(entry *EntryRecord) (map[string]types.AttributeValue, error) {
	parent, name := splitEntryPath(entry.Path)
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding entry metadata: %w", err)
	}
	return map[string]types.AttributeValue{
		"pk":               strAttr(pkEntries(entry.Share, parent)),
		"sk":               strAttr(name),
		"type":             strAttr("entry"),
		"share":            strAttr(entry.Share),
		"path":             strAttr(entry.Path),
		"kind":             strAttr(string(entry.Kind)),
		"size":             numAttr(entry.Size),
		"content_md5":      strAttr(entry.ContentMD5),
		"content_type":     strAttr(entry.ContentType),
		"content_encoding": strAttr(entry.ContentEncoding),
		"cache_control":    strAttr(entry.CacheControl),
		"etag":             strAttr(entry.ETag),
		"metadata":         strAttr(string(meta)),
		"created_at":       strAttr(entry.CreatedAt.UTC().Format(dynamoTimeFormat)),
		"last_modified":    strAttr(entry.LastModified.UTC().Format(dynamoTimeFormat)),
	}, nil
}

func entryKey(share, path string) map[string]types.AttributeValue {
	parent, name := splitEntryPath(path)
	return map[string]types.AttributeValue{
		"pk": strAttr(pkEntries(share, parent)),
		"sk": strAttr(name),
	}
}

func (s *DynamoDBStore) putEntry(ctx context.Context, entry *EntryRecord, cond *string) error {
	share, err := s.GetShare(ctx, entry.Share)
	if err != nil {
		return err
	}
	if share == nil {
		return fmt.Errorf("%w: %s", ErrShareNotFound, entry.Share)
	}
	item, err := entryItem(entry)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: cond,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s/%s", ErrEntryExists, entry.Share, entry.Path)
		}
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	return s.putEntry(ctx, entry, aws.String("attribute_not_exists(pk)"))
}

func (s *DynamoDBStore) PutEntry(ctx context.Context, entry *EntryRecord) error {
	return s.putEntry(ctx, entry, nil)
}

func (s *DynamoDBStore) GetEntry(ctx context.Context, share, path string) (*EntryRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            entryKey(share, path),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToEntry(resp.Item)
}

func (s *DynamoDBStore) DeleteEntry(ctx context.Context, share, path string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 entryKey(share, path),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, share, path)
		}
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListEntries(ctx context.Context, share, dir string, opts ListOptions) (*ListEntriesResult, error) {
	rec, err := s.GetShare(ctx, share)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrShareNotFound, share)
	}

	limit := opts.limit()
	items, err := s.queryRange(ctx, pkEntries(share, dir), opts.Prefix, opts.Marker, limit+1)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	entries := make([]EntryRecord, 0, len(items))
	for _, item := range items {
		e, err := itemToEntry(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	page, next := trimPage(entries, limit, entryName)
	return &ListEntriesResult{Entries: page, NextMarker: next}, nil
}

// ---- Credentials ----

func (s *DynamoDBStore) GetCredential(ctx context.Context, accountName string) (*CredentialRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": strAttr(pkCredential(accountName)),
			"sk": strAttr(dynamoSKMetadata),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return &CredentialRecord{
		AccountName: getString(resp.Item, "account_name"),
		AccountKey:  getString(resp.Item, "account_key"),
		Active:      getBool(resp.Item, "active"),
		CreatedAt:   getTime(resp.Item, "created_at"),
	}, nil
}

func (s *DynamoDBStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":           strAttr(pkCredential(cred.AccountName)),
			"sk":           strAttr(dynamoSKMetadata),
			"type":         strAttr("credential"),
			"account_name": strAttr(cred.AccountName),
			"account_key":  strAttr(cred.AccountKey),
			"active":       &types.AttributeValueMemberBOOL{Value: cred.Active},
			"created_at":   strAttr(cred.CreatedAt.UTC().Format(dynamoTimeFormat)),
		},
	})
	if err != nil {
		return fmt.Errorf("putting credential: %w", err)
	}
	return nil
}

// ---- Item helpers ----

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func getBool(item map[string]types.AttributeValue, key string) bool {
	if v, ok := item[key].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func getTime(item map[string]types.AttributeValue, key string) time.Time {
	t, _ := time.Parse(dynamoTimeFormat, getString(item, key))
	return t
}

func itemToShare(item map[string]types.AttributeValue) (*ShareRecord, error) {
	share := &ShareRecord{
		Name:         getString(item, "sk"),
		QuotaGiB:     int(getInt(item, "quota_gib")),
		ETag:         getString(item, "etag"),
		CreatedAt:    getTime(item, "created_at"),
		LastModified: getTime(item, "last_modified"),
	}
	if m := getString(item, "metadata"); m != "" && m != "null" && m != "{}" {
		if err := json.Unmarshal([]byte(m), &share.Metadata); err != nil {
			return nil, fmt.Errorf("decoding share metadata: %w", err)
		}
	}
	if a := getString(item, "acl"); a != "" && a != "null" && a != "[]" {
		if err := json.Unmarshal([]byte(a), &share.ACL); err != nil {
			return nil, fmt.Errorf("decoding share acl: %w", err)
		}
	}
	return share, nil
}

func itemToEntry(item map[string]types.AttributeValue) (*EntryRecord, error) {
	e := &EntryRecord{
		Share:           getString(item, "share"),
		Path:            getString(item, "path"),
		Kind:            EntryKind(getString(item, "kind")),
		Size:            getInt(item, "size"),
		ContentMD5:      getString(item, "content_md5"),
		ContentType:     getString(item, "content_type"),
		ContentEncoding: getString(item, "content_encoding"),
		CacheControl:    getString(item, "cache_control"),
		ETag:            getString(item, "etag"),
		CreatedAt:       getTime(item, "created_at"),
		LastModified:    getTime(item, "last_modified"),
	}
	normalizeEntry(e)
	if m := getString(item, "metadata"); m != "" && m != "null" && m != "{}" {
		if err := json.Unmarshal([]byte(m), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding entry metadata: %w", err)
		}
	}
	return e, nil
}

var _ MetadataStore = (*DynamoDBStore)(nil)

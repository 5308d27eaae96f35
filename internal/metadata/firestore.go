package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bleepstore/bleepfile/internal/config"
)

const (
	firestoreTimeFormat = "2006-01-02T15:04:05.000Z"

	// firestorePrefixEnd bounds a prefix range query from above.
	firestorePrefixEnd = "\uf8ff"
)

// FirestoreStore keeps shares, entries and credentials as documents of a
// single collection, distinguished by their "type" field.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func docIDShare(share string) string {
	return "share_" + share
}

func docIDEntry(share, path string) string {
	return "entry_" + share + "_" + encodeKey(path)
}

func docIDCredential(account string) string {
	return "cred_" + account
}

func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleepfile"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func isFirestoreCode(err error, code codes.Code) bool {
	return status.Code(err) == code
}

// ---- Shares ----

func shareDoc(share *ShareRecord) (map[string]interface{}, error) {
	meta, acl, err := encodeShareJSON(share)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":          "share",
		"name":          share.Name,
		"quota_gib":     int64(share.QuotaGiB),
		"metadata":      meta,
		"acl":           acl,
		"etag":          share.ETag,
		"created_at":    share.CreatedAt.UTC().Format(firestoreTimeFormat),
		"last_modified": share.LastModified.UTC().Format(firestoreTimeFormat),
	}, nil
}

func (s *FirestoreStore) CreateShare(ctx context.Context, share *ShareRecord) error {
	doc, err := shareDoc(share)
	if err != nil {
		return err
	}
	_, err = s.collectionRef().Doc(docIDShare(share.Name)).Create(ctx, doc)
	if err != nil {
		if isFirestoreCode(err, codes.AlreadyExists) {
			return fmt.Errorf("%w: %s", ErrShareExists, share.Name)
		}
		return fmt.Errorf("creating share: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetShare(ctx context.Context, name string) (*ShareRecord, error) {
	doc, err := s.collectionRef().Doc(docIDShare(name)).Get(ctx)
	if err != nil {
		if isFirestoreCode(err, codes.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting share: %w", err)
	}
	if !doc.Exists() {
		return nil, nil
	}
	return docToShare(doc.Data())
}

func (s *FirestoreStore) UpdateShare(ctx context.Context, share *ShareRecord) error {
	doc, err := shareDoc(share)
	if err != nil {
		return err
	}
	updates := make([]firestore.Update, 0, len(doc))
	for k, v := range doc {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	_, err = s.collectionRef().Doc(docIDShare(share.Name)).Update(ctx, updates)
	if err != nil {
		if isFirestoreCode(err, codes.NotFound) {
			return fmt.Errorf("%w: %s", ErrShareNotFound, share.Name)
		}
		return fmt.Errorf("updating share: %w", err)
	}
	return nil
}

// DeleteShare removes the share document and then bulk-deletes every entry
// document that belongs to it.
func (s *FirestoreStore) DeleteShare(ctx context.Context, name string) error {
	_, err := s.collectionRef().Doc(docIDShare(name)).Delete(ctx, firestore.Exists)
	if err != nil {
		if isFirestoreCode(err, codes.NotFound) {
			return fmt.Errorf("%w: %s", ErrShareNotFound, name)
		}
		return fmt.Errorf("deleting share: %w", err)
	}

	iter := s.collectionRef().
		Where("type", "==", "entry").
		Where("share", "==", name).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("listing share entries: %w", err)
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return fmt.Errorf("queueing entry delete: %w", err)
		}
	}
	bw.End()
	return nil
}

// orderedRange applies prefix, marker and limit to a query ordered by name.
func orderedRange(q firestore.Query, opts ListOptions, limit int) firestore.Query {
	if opts.Prefix != "" {
		q = q.Where("name", ">=", opts.Prefix).Where("name", "<", opts.Prefix+firestorePrefixEnd)
	}
	q = q.OrderBy("name", firestore.Asc)
	if opts.Marker != "" {
		q = q.StartAfter(opts.Marker)
	}
	return q.Limit(limit)
}

func (s *FirestoreStore) ListShares(ctx context.Context, opts ListOptions) (*ListSharesResult, error) {
	limit := opts.limit()
	q := orderedRange(s.collectionRef().Where("type", "==", "share"), opts, limit+1)

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}

	shares := make([]ShareRecord, 0, len(docs))
	for _, doc := range docs {
		share, err := docToShare(doc.Data())
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(share.Name, opts.Prefix) {
			continue
		}
		shares = append(shares, *share)
	}
	page, next := trimPage(shares, limit, shareName)
	return &ListSharesResult{Shares: page, NextMarker: next}, nil
}

// ---- Entries ----

func entryDoc(entry *EntryRecord) (map[string]interface{}, error) {
	parent, name := splitEntryPath(entry.Path)
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding entry metadata: %w", err)
	}
	return map[string]interface{}{
		"type":             "entry",
		"share":            entry.Share,
		"path":             entry.Path,
		"parent":           parent,
		"name":             name,
		"kind":             string(entry.Kind),
		"size":             entry.Size,
		"content_md5":      entry.ContentMD5,
		"content_type":     entry.ContentType,
		"content_encoding": entry.ContentEncoding,
		"cache_control":    entry.CacheControl,
		"etag":             entry.ETag,
		"metadata":         string(meta),
		"created_at":       entry.CreatedAt.UTC().Format(firestoreTimeFormat),
		"last_modified":    entry.LastModified.UTC().Format(firestoreTimeFormat),
	}, nil
}

func (s *FirestoreStore) requireShare(ctx context.Context, name string) error {
	share, err := s.GetShare(ctx, name)
	if err != nil {
		return err
	}
	if share == nil {
		return fmt.Errorf("%w: %s", ErrShareNotFound, name)
	}
	return nil
}

func (s *FirestoreStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	if err := s.requireShare(ctx, entry.Share); err != nil {
		return err
	}
	doc, err := entryDoc(entry)
	if err != nil {
		return err
	}
	_, err = s.collectionRef().Doc(docIDEntry(entry.Share, entry.Path)).Create(ctx, doc)
	if err != nil {
		if isFirestoreCode(err, codes.AlreadyExists) {
			return fmt.Errorf("%w: %s/%s", ErrEntryExists, entry.Share, entry.Path)
		}
		return fmt.Errorf("creating entry: %w", err)
	}
	return nil
}

func (s *FirestoreStore) PutEntry(ctx context.Context, entry *EntryRecord) error {
	if err := s.requireShare(ctx, entry.Share); err != nil {
		return err
	}
	doc, err := entryDoc(entry)
	if err != nil {
		return err
	}
	if _, err := s.collectionRef().Doc(docIDEntry(entry.Share, entry.Path)).Set(ctx, doc); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetEntry(ctx context.Context, share, path string) (*EntryRecord, error) {
	doc, err := s.collectionRef().Doc(docIDEntry(share, path)).Get(ctx)
	if err != nil {
		if isFirestoreCode(err, codes.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	if !doc.Exists() {
		return nil, nil
	}
	return docToEntry(doc.Data())
}

func (s *FirestoreStore) DeleteEntry(ctx context.Context, share, path string) error {
	_, err := s.collectionRef().Doc(docIDEntry(share, path)).Delete(ctx, firestore.Exists)
	if err != nil {
		if isFirestoreCode(err, codes.NotFound) {
			return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, share, path)
		}
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListEntries(ctx context.Context, share, dir string, opts ListOptions) (*ListEntriesResult, error) {
	if err := s.requireShare(ctx, share); err != nil {
		return nil, err
	}

	limit := opts.limit()
	base := s.collectionRef().
		Where("type", "==", "entry").
		Where("share", "==", share).
		Where("parent", "==", dir)
	docs, err := orderedRange(base, opts, limit+1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}

	entries := make([]EntryRecord, 0, len(docs))
	for _, doc := range docs {
		e, err := docToEntry(doc.Data())
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(e.Name, opts.Prefix) {
			continue
		}
		entries = append(entries, *e)
	}
	page, next := trimPage(entries, limit, entryName)
	return &ListEntriesResult{Entries: page, NextMarker: next}, nil
}

// ---- Credentials ----

func (s *FirestoreStore) GetCredential(ctx context.Context, accountName string) (*CredentialRecord, error) {
	doc, err := s.collectionRef().Doc(docIDCredential(accountName)).Get(ctx)
	if err != nil {
		if isFirestoreCode(err, codes.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	if !doc.Exists() {
		return nil, nil
	}
	m := doc.Data()
	createdAt, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "created_at"))
	return &CredentialRecord{
		AccountName: getStringFromMap(m, "account_name"),
		AccountKey:  getStringFromMap(m, "account_key"),
		Active:      getBoolFromMap(m, "active"),
		CreatedAt:   createdAt,
	}, nil
}

func (s *FirestoreStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.collectionRef().Doc(docIDCredential(cred.AccountName)).Set(ctx, map[string]interface{}{
		"type":         "credential",
		"account_name": cred.AccountName,
		"account_key":  cred.AccountKey,
		"active":       cred.Active,
		"created_at":   cred.CreatedAt.UTC().Format(firestoreTimeFormat),
	})
	if err != nil {
		return fmt.Errorf("putting credential: %w", err)
	}
	return nil
}

// ---- Document helpers ----

func getStringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getInt64FromMap(m map[string]interface{}, key string) int64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

func getBoolFromMap(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func docToShare(m map[string]interface{}) (*ShareRecord, error) {
	createdAt, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "created_at"))
	lastModified, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "last_modified"))
	share := &ShareRecord{
		Name:         getStringFromMap(m, "name"),
		QuotaGiB:     int(getInt64FromMap(m, "quota_gib")),
		ETag:         getStringFromMap(m, "etag"),
		CreatedAt:    createdAt,
		LastModified: lastModified,
	}
	if meta := getStringFromMap(m, "metadata"); meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &share.Metadata); err != nil {
			return nil, fmt.Errorf("decoding share metadata: %w", err)
		}
	}
	if acl := getStringFromMap(m, "acl"); acl != "" && acl != "null" {
		if err := json.Unmarshal([]byte(acl), &share.ACL); err != nil {
			return nil, fmt.Errorf("decoding share acl: %w", err)
		}
	}
	return share, nil
}

func docToEntry(m map[string]interface{}) (*EntryRecord, error) {
	createdAt, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "created_at"))
	lastModified, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "last_modified"))
	e := &EntryRecord{
		Share:           getStringFromMap(m, "share"),
		Path:            getStringFromMap(m, "path"),
		Kind:            EntryKind(getStringFromMap(m, "kind")),
		Size:            getInt64FromMap(m, "size"),
		ContentMD5:      getStringFromMap(m, "content_md5"),
		ContentType:     getStringFromMap(m, "content_type"),
		ContentEncoding: getStringFromMap(m, "content_encoding"),
		CacheControl:    getStringFromMap(m, "cache_control"),
		ETag:            getStringFromMap(m, "etag"),
		CreatedAt:       createdAt,
		LastModified:    lastModified,
	}
	normalizeEntry(e)
	if meta := getStringFromMap(m, "metadata"); meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding entry metadata: %w", err)
		}
	}
	return e, nil
}

var _ MetadataStore = (*FirestoreStore)(nil)

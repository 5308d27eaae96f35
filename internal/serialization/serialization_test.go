package serialization

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/bleepfile/internal/metadata"
)

var seedTime = time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)

// createTestDB creates a metadata database through the SQLite store so the
// schema matches the server's. seed adds one share with a directory and a
// file, plus one credential.
func createTestDB(t *testing.T, dir string, seed bool) string {
	t.Helper()
	dbPath := filepath.Join(dir, "metadata.db")
	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if !seed {
		return dbPath
	}
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(store.CreateShare(ctx, &metadata.ShareRecord{
		Name:     "photos",
		QuotaGiB: 5,
		Metadata: map[string]string{"team": "media"},
		ACL: []metadata.SignedIdentifier{{
			ID:         "readers",
			Start:      seedTime,
			Expiry:     seedTime.Add(24 * time.Hour),
			Permission: "rl",
		}},
		ETag:         `"0x1"`,
		CreatedAt:    seedTime,
		LastModified: seedTime,
	}))
	must(store.CreateEntry(ctx, &metadata.EntryRecord{
		Share:        "photos",
		Path:         "2026",
		Kind:         metadata.KindDirectory,
		ETag:         `"0x2"`,
		CreatedAt:    seedTime,
		LastModified: seedTime,
	}))
	must(store.CreateEntry(ctx, &metadata.EntryRecord{
		Share:        "photos",
		Path:         "2026/cat.jpg",
		Kind:         metadata.KindFile,
		Size:         142857,
		ContentMD5:   "1B2M2Y8AsgTpgAmY7PhCfg==",
		ContentType:  "image/jpeg",
		ETag:         `"0x3"`,
		Metadata:     map[string]string{"author": "john"},
		CreatedAt:    seedTime,
		LastModified: seedTime,
	}))
	must(store.PutCredential(ctx, &metadata.CredentialRecord{
		AccountName: "devstoreaccount1",
		AccountKey:  "c2VjcmV0",
		Active:      true,
		CreatedAt:   seedTime,
	}))
	return dbPath
}

func exportJSON(t *testing.T, dbPath string, opts *ExportOptions) map[string]any {
	t.Helper()
	result, err := ExportMetadata(dbPath, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(result), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return data
}

func TestExportAllTables(t *testing.T) {
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), nil)

	envelope := data[envelopeKey].(map[string]any)
	if envelope["version"].(float64) != 1 {
		t.Error("expected version 1")
	}
	if envelope["source"].(string) != "go/0.1.0" {
		t.Error("expected source go/0.1.0")
	}

	if shares := data["shares"].([]any); len(shares) != 1 {
		t.Errorf("expected 1 share, got %d", len(shares))
	}
	entries := data["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	file := entries[1].(map[string]any)
	if file["path"] != "2026/cat.jpg" || file["parent"] != "2026" || file["name"] != "cat.jpg" {
		t.Errorf("unexpected file row: %v", file)
	}
}

func TestExportJSONColumnsExpanded(t *testing.T) {
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), nil)

	share := data["shares"].([]any)[0].(map[string]any)
	md := share["metadata"].(map[string]any)
	if md["team"] != "media" {
		t.Errorf("expected metadata.team = media, got %v", md)
	}
	acl := share["acl"].([]any)
	if len(acl) != 1 || acl[0].(map[string]any)["id"] != "readers" {
		t.Errorf("unexpected acl: %v", acl)
	}

	// A directory without metadata exports an empty object, not null.
	dir := data["entries"].([]any)[0].(map[string]any)
	if m, ok := dir["metadata"].(map[string]any); !ok || len(m) != 0 {
		t.Errorf("expected empty metadata object, got %v", dir["metadata"])
	}
}

func TestExportBoolFields(t *testing.T) {
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), nil)

	cred := data["credentials"].([]any)[0].(map[string]any)
	if cred["active"].(bool) != true {
		t.Error("expected active = true")
	}
}

func TestExportNullFields(t *testing.T) {
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), nil)

	dir := data["entries"].([]any)[0].(map[string]any)
	if dir["content_md5"] != nil {
		t.Error("expected content_md5 = null for a directory")
	}
	if dir["content_encoding"] != nil {
		t.Error("expected content_encoding = null")
	}
}

func TestExportCredentialsRedacted(t *testing.T) {
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), nil)

	cred := data["credentials"].([]any)[0].(map[string]any)
	if cred["account_key"].(string) != redacted {
		t.Error("expected account_key = REDACTED")
	}
}

func TestExportCredentialsIncluded(t *testing.T) {
	opts := &ExportOptions{Tables: AllTables, IncludeCredentials: true}
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), opts)

	cred := data["credentials"].([]any)[0].(map[string]any)
	if cred["account_key"].(string) != "c2VjcmV0" {
		t.Error("expected real account_key")
	}
}

func TestExportPartialTables(t *testing.T) {
	opts := &ExportOptions{Tables: []string{"shares", "entries"}}
	data := exportJSON(t, createTestDB(t, t.TempDir(), true), opts)

	if _, ok := data["shares"]; !ok {
		t.Error("expected shares")
	}
	if _, ok := data["entries"]; !ok {
		t.Error("expected entries")
	}
	if _, ok := data["credentials"]; ok {
		t.Error("should not have credentials")
	}
}

func TestExportSortedKeys(t *testing.T) {
	result, err := ExportMetadata(createTestDB(t, t.TempDir(), true), nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	order := []string{`"bleepfile_export"`, `"credentials"`, `"entries"`, `"shares"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(result, key)
		if idx <= last {
			t.Fatalf("key %s out of order in export", key)
		}
		last = idx
	}
}

func TestRoundTrip(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), false)

	opts := &ExportOptions{Tables: AllTables, IncludeCredentials: true}
	exported, err := ExportMetadata(db1, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(db2, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["shares"] != 1 {
		t.Errorf("expected 1 share imported, got %d", result.Counts["shares"])
	}
	if result.Counts["entries"] != 2 {
		t.Errorf("expected 2 entries imported, got %d", result.Counts["entries"])
	}

	reExported, err := ExportMetadata(db2, opts)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}

	var data1, data2 map[string]any
	json.Unmarshal([]byte(exported), &data1)
	json.Unmarshal([]byte(reExported), &data2)
	delete(data1, envelopeKey)
	delete(data2, envelopeKey)

	b1, _ := json.Marshal(data1)
	b2, _ := json.Marshal(data2)
	if string(b1) != string(b2) {
		t.Errorf("round-trip data mismatch:\n%s\n%s", b1, b2)
	}

	// The imported rows are readable through the store.
	store, err := metadata.NewSQLiteStore(db2)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	entry, err := store.GetEntry(context.Background(), "photos", "2026/cat.jpg")
	if err != nil || entry == nil {
		t.Fatalf("GetEntry: %v, %v", entry, err)
	}
	if entry.Size != 142857 || entry.Metadata["author"] != "john" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestImportMergeIdempotent(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	opts := &ExportOptions{Tables: AllTables, IncludeCredentials: true}
	exported, err := ExportMetadata(dbPath, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(dbPath, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["shares"] != 0 {
		t.Errorf("expected 0 shares (idempotent), got %d", result.Counts["shares"])
	}
	if result.Skipped["entries"] != 2 {
		t.Errorf("expected 2 skipped entries, got %d", result.Skipped["entries"])
	}
}

func TestImportReplace(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), true)

	opts := &ExportOptions{Tables: AllTables, IncludeCredentials: true}
	exported, err := ExportMetadata(db1, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(db2, exported, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["shares"] != 1 {
		t.Errorf("expected 1 share, got %d", result.Counts["shares"])
	}
	if result.Counts["entries"] != 2 {
		t.Errorf("expected 2 entries, got %d", result.Counts["entries"])
	}
}

func TestImportSkipsRedactedCredentials(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), false)

	exported, err := ExportMetadata(db1, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(db2, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Skipped["credentials"] != 1 {
		t.Errorf("expected 1 skipped credential, got %d", result.Skipped["credentials"])
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(result.Warnings))
	}
}

func TestImportNullMetadataUsesDefault(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), false)
	doc := `{
  "bleepfile_export": {"version": 1},
  "shares": [{"name": "docs", "quota_gib": 0, "metadata": null, "acl": null,
    "etag": "\"0x1\"", "created_at": "2026-02-25T12:00:00.000Z", "last_modified": "2026-02-25T12:00:00.000Z"}]
}`
	result, err := ImportMetadata(dbPath, doc, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["shares"] != 1 {
		t.Fatalf("expected 1 share, got %d (warnings %v)", result.Counts["shares"], result.Warnings)
	}
}

func TestImportInvalidVersion(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), false)

	_, err := ImportMetadata(dbPath, `{"bleepfile_export":{"version":99}}`, nil)
	if err == nil {
		t.Error("expected error for invalid version")
	}
}

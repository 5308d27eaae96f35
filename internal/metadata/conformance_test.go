package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

// storeFactory opens a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) MetadataStore

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func seedShare(t *testing.T, store MetadataStore, name string) *ShareRecord {
	t.Helper()
	share := &ShareRecord{
		Name:         name,
		QuotaGiB:     10,
		ETag:         `"0x1"`,
		CreatedAt:    testTime,
		LastModified: testTime,
	}
	if err := store.CreateShare(context.Background(), share); err != nil {
		t.Fatalf("CreateShare(%q): %v", name, err)
	}
	return share
}

func seedEntry(t *testing.T, store MetadataStore, share, path string, kind EntryKind) {
	t.Helper()
	entry := &EntryRecord{
		Share:        share,
		Path:         path,
		Kind:         kind,
		ETag:         `"0x2"`,
		CreatedAt:    testTime,
		LastModified: testTime,
	}
	if kind == KindFile {
		entry.Size = int64(len(path))
		entry.ContentType = "text/plain"
		entry.ContentMD5 = "rL0Y20zC+Fzt72VPzMSk2A=="
	}
	if err := store.CreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("CreateEntry(%s/%s): %v", share, path, err)
	}
}

// collectShares follows NextMarker until the listing is complete and
// returns every name plus the number of round trips.
func collectShares(t *testing.T, store MetadataStore, prefix string, size int) ([]string, int) {
	t.Helper()
	var names []string
	marker := ""
	calls := 0
	for {
		calls++
		res, err := store.ListShares(context.Background(), ListOptions{Prefix: prefix, Marker: marker, MaxResults: size})
		if err != nil {
			t.Fatalf("ListShares: %v", err)
		}
		if len(res.Shares) > size {
			t.Fatalf("page has %d shares, limit %d", len(res.Shares), size)
		}
		for _, s := range res.Shares {
			names = append(names, s.Name)
		}
		if res.NextMarker == "" {
			return names, calls
		}
		marker = res.NextMarker
	}
}

func collectEntries(t *testing.T, store MetadataStore, share, dir, prefix string, size int) ([]string, int) {
	t.Helper()
	var names []string
	marker := ""
	calls := 0
	for {
		calls++
		res, err := store.ListEntries(context.Background(), share, dir, ListOptions{Prefix: prefix, Marker: marker, MaxResults: size})
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if len(res.Entries) > size {
			t.Fatalf("page has %d entries, limit %d", len(res.Entries), size)
		}
		for _, e := range res.Entries {
			names = append(names, e.Name)
		}
		if res.NextMarker == "" {
			return names, calls
		}
		marker = res.NextMarker
	}
}

func assertNoDuplicates(t *testing.T, names []string) {
	t.Helper()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate name %q", n)
		}
		seen[n] = true
	}
}

func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("ShareCRUD", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		share := &ShareRecord{
			Name:         "photos",
			QuotaGiB:     100,
			Metadata:     map[string]string{"owner": "ops"},
			ACL:          []SignedIdentifier{{ID: "readers", Permission: "rl", Expiry: testTime.Add(time.Hour)}},
			ETag:         `"0xA"`,
			CreatedAt:    testTime,
			LastModified: testTime,
		}
		if err := store.CreateShare(ctx, share); err != nil {
			t.Fatalf("CreateShare: %v", err)
		}
		if err := store.CreateShare(ctx, share); !errors.Is(err, ErrShareExists) {
			t.Fatalf("duplicate CreateShare error = %v, want ErrShareExists", err)
		}

		got, err := store.GetShare(ctx, "photos")
		if err != nil || got == nil {
			t.Fatalf("GetShare: %v, %v", got, err)
		}
		if got.QuotaGiB != 100 || got.Metadata["owner"] != "ops" || got.ETag != `"0xA"` {
			t.Fatalf("GetShare returned %+v", got)
		}
		if len(got.ACL) != 1 || got.ACL[0].ID != "readers" || got.ACL[0].Permission != "rl" {
			t.Fatalf("ACL = %+v", got.ACL)
		}
		if !got.CreatedAt.Equal(testTime) {
			t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, testTime)
		}

		got.QuotaGiB = 5
		got.Metadata = map[string]string{"team": "media"}
		got.ETag = `"0xB"`
		if err := store.UpdateShare(ctx, got); err != nil {
			t.Fatalf("UpdateShare: %v", err)
		}
		updated, _ := store.GetShare(ctx, "photos")
		if updated.QuotaGiB != 5 || updated.Metadata["team"] != "media" || updated.Metadata["owner"] != "" || updated.ETag != `"0xB"` {
			t.Fatalf("after update: %+v", updated)
		}

		if err := store.UpdateShare(ctx, &ShareRecord{Name: "ghost"}); !errors.Is(err, ErrShareNotFound) {
			t.Fatalf("UpdateShare(missing) = %v", err)
		}

		missing, err := store.GetShare(ctx, "ghost")
		if err != nil || missing != nil {
			t.Fatalf("GetShare(missing) = %v, %v; want nil, nil", missing, err)
		}
	})

	t.Run("DeleteShareCascades", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedShare(t, store, "doomed")
		seedEntry(t, store, "doomed", "dir", KindDirectory)
		seedEntry(t, store, "doomed", "dir/file.txt", KindFile)

		if err := store.DeleteShare(ctx, "doomed"); err != nil {
			t.Fatalf("DeleteShare: %v", err)
		}
		if err := store.DeleteShare(ctx, "doomed"); !errors.Is(err, ErrShareNotFound) {
			t.Fatalf("second DeleteShare = %v", err)
		}

		seedShare(t, store, "doomed")
		entry, err := store.GetEntry(ctx, "doomed", "dir/file.txt")
		if err != nil || entry != nil {
			t.Fatalf("entry survived share deletion: %+v, %v", entry, err)
		}
	})

	t.Run("EntryCRUD", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seedShare(t, store, "docs")
		seedEntry(t, store, "docs", "reports", KindDirectory)

		file := &EntryRecord{
			Share:        "docs",
			Path:         "reports/q1.csv",
			Kind:         KindFile,
			Size:         42,
			ContentMD5:   "AAAAAAAAAAAAAAAAAAAAAA==",
			ContentType:  "text/csv",
			CacheControl: "no-cache",
			ETag:         `"0x3"`,
			Metadata:     map[string]string{"quarter": "1"},
			CreatedAt:    testTime,
			LastModified: testTime,
		}
		if err := store.CreateEntry(ctx, file); err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
		if err := store.CreateEntry(ctx, file); !errors.Is(err, ErrEntryExists) {
			t.Fatalf("duplicate CreateEntry = %v, want ErrEntryExists", err)
		}

		got, err := store.GetEntry(ctx, "docs", "reports/q1.csv")
		if err != nil || got == nil {
			t.Fatalf("GetEntry: %v, %v", got, err)
		}
		if got.Parent != "reports" || got.Name != "q1.csv" || got.Kind != KindFile {
			t.Fatalf("derived fields wrong: %+v", got)
		}
		if got.Size != 42 || got.ContentType != "text/csv" || got.CacheControl != "no-cache" || got.Metadata["quarter"] != "1" {
			t.Fatalf("GetEntry returned %+v", got)
		}

		got.Size = 7
		got.ETag = `"0x4"`
		if err := store.PutEntry(ctx, got); err != nil {
			t.Fatalf("PutEntry: %v", err)
		}
		again, _ := store.GetEntry(ctx, "docs", "reports/q1.csv")
		if again.Size != 7 || again.ETag != `"0x4"` {
			t.Fatalf("after PutEntry: %+v", again)
		}

		if err := store.DeleteEntry(ctx, "docs", "reports/q1.csv"); err != nil {
			t.Fatalf("DeleteEntry: %v", err)
		}
		if err := store.DeleteEntry(ctx, "docs", "reports/q1.csv"); !errors.Is(err, ErrEntryNotFound) {
			t.Fatalf("second DeleteEntry = %v", err)
		}
		gone, err := store.GetEntry(ctx, "docs", "reports/q1.csv")
		if err != nil || gone != nil {
			t.Fatalf("GetEntry after delete = %+v, %v", gone, err)
		}
	})

	t.Run("ListSharesPaginates", func(t *testing.T) {
		store := newStore(t)
		want := make([]string, 0, 23)
		for i := 0; i < 23; i++ {
			name := fmt.Sprintf("share-%03d", i)
			seedShare(t, store, name)
			want = append(want, name)
		}
		seedShare(t, store, "other")

		for _, size := range []int{1, 2, 5, 23, 100} {
			got, calls := collectShares(t, store, "share-", size)
			assertNoDuplicates(t, got)
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("size %d: got %v", size, got)
			}
			wantCalls := (len(want) + size - 1) / size
			if calls != wantCalls {
				t.Fatalf("size %d: %d round trips, want %d", size, calls, wantCalls)
			}
		}

		all, _ := collectShares(t, store, "", 4)
		if len(all) != 24 || !sort.StringsAreSorted(all) {
			t.Fatalf("unfiltered listing = %v", all)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		store := newStore(t)
		res, err := store.ListShares(context.Background(), ListOptions{MaxResults: 10})
		if err != nil {
			t.Fatalf("ListShares: %v", err)
		}
		if len(res.Shares) != 0 || res.NextMarker != "" {
			t.Fatalf("empty listing = %+v", res)
		}

		seedShare(t, store, "empty")
		eres, err := store.ListEntries(context.Background(), "empty", "", ListOptions{MaxResults: 10})
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if len(eres.Entries) != 0 || eres.NextMarker != "" {
			t.Fatalf("empty directory listing = %+v", eres)
		}

		if _, err := store.ListEntries(context.Background(), "nope", "", ListOptions{}); !errors.Is(err, ErrShareNotFound) {
			t.Fatalf("ListEntries(missing share) = %v", err)
		}
	})

	t.Run("ListEntriesScopedToDirectory", func(t *testing.T) {
		store := newStore(t)
		seedShare(t, store, "tree")
		seedEntry(t, store, "tree", "a", KindDirectory)
		seedEntry(t, store, "tree", "b.txt", KindFile)
		seedEntry(t, store, "tree", "a/inner.txt", KindFile)
		seedEntry(t, store, "tree", "a/sub", KindDirectory)
		seedEntry(t, store, "tree", "a/sub/deep.txt", KindFile)
		seedEntry(t, store, "tree", "Upper.txt", KindFile)

		root, _ := collectEntries(t, store, "tree", "", "", 1)
		if fmt.Sprint(root) != "[Upper.txt a b.txt]" {
			t.Fatalf("root listing = %v", root)
		}
		inner, _ := collectEntries(t, store, "tree", "a", "", 1)
		if fmt.Sprint(inner) != "[inner.txt sub]" {
			t.Fatalf("a/ listing = %v", inner)
		}
		upper, _ := collectEntries(t, store, "tree", "", "U", 10)
		if fmt.Sprint(upper) != "[Upper.txt]" {
			t.Fatalf("prefix listing is not case sensitive: %v", upper)
		}

		res, err := store.ListEntries(context.Background(), "tree", "a", ListOptions{MaxResults: 10})
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		kinds := map[string]EntryKind{}
		for _, e := range res.Entries {
			kinds[e.Name] = e.Kind
		}
		if kinds["inner.txt"] != KindFile || kinds["sub"] != KindDirectory {
			t.Fatalf("kinds = %v", kinds)
		}
	})

	t.Run("ListEntriesPrefixAndMarker", func(t *testing.T) {
		store := newStore(t)
		seedShare(t, store, "logs")
		var want []string
		for i := 0; i < 17; i++ {
			name := fmt.Sprintf("app-%02d.log", i)
			seedEntry(t, store, "logs", name, KindFile)
			want = append(want, name)
		}
		for i := 0; i < 5; i++ {
			seedEntry(t, store, "logs", fmt.Sprintf("sys-%d.log", i), KindFile)
		}

		got, calls := collectEntries(t, store, "logs", "", "app-", 3)
		assertNoDuplicates(t, got)
		if fmt.Sprint(got) != fmt.Sprint(want) || calls != 6 {
			t.Fatalf("got %v in %d calls", got, calls)
		}

		// A marker that names no item resumes lexicographically after it.
		res, err := store.ListEntries(context.Background(), "logs", "", ListOptions{Marker: "app-05.zzz", MaxResults: 2})
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if len(res.Entries) != 2 || res.Entries[0].Name != "app-06.log" || res.NextMarker != "app-07.log" {
			t.Fatalf("marker resume = %+v", res)
		}
	})

	t.Run("Credentials", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cred := &CredentialRecord{AccountName: "acct", AccountKey: "a2V5", Active: true, CreatedAt: testTime}
		if err := store.PutCredential(ctx, cred); err != nil {
			t.Fatalf("PutCredential: %v", err)
		}
		got, err := store.GetCredential(ctx, "acct")
		if err != nil || got == nil || got.AccountKey != "a2V5" || !got.Active {
			t.Fatalf("GetCredential = %+v, %v", got, err)
		}
		cred.AccountKey = "bmV3"
		if err := store.PutCredential(ctx, cred); err != nil {
			t.Fatalf("PutCredential (update): %v", err)
		}
		got, _ = store.GetCredential(ctx, "acct")
		if got.AccountKey != "bmV3" {
			t.Fatalf("credential not replaced: %+v", got)
		}
		missing, err := store.GetCredential(ctx, "nobody")
		if err != nil || missing != nil {
			t.Fatalf("GetCredential(missing) = %+v, %v", missing, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		store := newStore(t)
		if err := store.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

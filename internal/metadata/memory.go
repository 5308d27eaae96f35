package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps all metadata in maps. It is used by tests and by
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu          sync.RWMutex
	shares      map[string]*ShareRecord
	entries     map[string]map[string]*EntryRecord
	credentials map[string]*CredentialRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shares:      make(map[string]*ShareRecord),
		entries:     make(map[string]map[string]*EntryRecord),
		credentials: make(map[string]*CredentialRecord),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateShare(ctx context.Context, share *ShareRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.shares[share.Name]; exists {
		return fmt.Errorf("%w: %s", ErrShareExists, share.Name)
	}
	s.shares[share.Name] = copyShare(share)
	s.entries[share.Name] = make(map[string]*EntryRecord)
	return nil
}

func (s *MemoryStore) GetShare(ctx context.Context, name string) (*ShareRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	share, exists := s.shares[name]
	if !exists {
		return nil, nil
	}
	return copyShare(share), nil
}

func (s *MemoryStore) UpdateShare(ctx context.Context, share *ShareRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.shares[share.Name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrShareNotFound, share.Name)
	}
	updated := copyShare(share)
	updated.CreatedAt = existing.CreatedAt
	s.shares[share.Name] = updated
	return nil
}

func (s *MemoryStore) DeleteShare(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.shares[name]; !exists {
		return fmt.Errorf("%w: %s", ErrShareNotFound, name)
	}
	delete(s.shares, name)
	delete(s.entries, name)
	return nil
}

func (s *MemoryStore) ListShares(ctx context.Context, opts ListOptions) (*ListSharesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var shares []ShareRecord
	for name, share := range s.shares {
		if !strings.HasPrefix(name, opts.Prefix) || name <= opts.Marker {
			continue
		}
		shares = append(shares, *copyShare(share))
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].Name < shares[j].Name
	})

	page, next := trimPage(shares, opts.limit(), shareName)
	return &ListSharesResult{Shares: page, NextMarker: next}, nil
}

func (s *MemoryStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.entries[entry.Share]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShareNotFound, entry.Share)
	}
	if _, exists := entries[entry.Path]; exists {
		return fmt.Errorf("%w: %s/%s", ErrEntryExists, entry.Share, entry.Path)
	}
	cp := copyEntry(entry)
	normalizeEntry(cp)
	entries[entry.Path] = cp
	return nil
}

func (s *MemoryStore) PutEntry(ctx context.Context, entry *EntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.entries[entry.Share]
	if !ok {
		return fmt.Errorf("%w: %s", ErrShareNotFound, entry.Share)
	}
	cp := copyEntry(entry)
	normalizeEntry(cp)
	entries[entry.Path] = cp
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, share, path string) (*EntryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[share][path]
	if !exists {
		return nil, nil
	}
	return copyEntry(entry), nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, share, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[share][path]; !exists {
		return fmt.Errorf("%w: %s/%s", ErrEntryNotFound, share, path)
	}
	delete(s.entries[share], path)
	return nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, share, dir string, opts ListOptions) (*ListEntriesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.entries[share]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShareNotFound, share)
	}

	var out []EntryRecord
	for _, e := range entries {
		if e.Parent != dir || !strings.HasPrefix(e.Name, opts.Prefix) || e.Name <= opts.Marker {
			continue
		}
		out = append(out, *copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	page, next := trimPage(out, opts.limit(), entryName)
	return &ListEntriesResult{Entries: page, NextMarker: next}, nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, accountName string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, exists := s.credentials[accountName]
	if !exists {
		return nil, nil
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	s.credentials[cred.AccountName] = &cp
	return nil
}

var _ MetadataStore = (*MemoryStore)(nil)

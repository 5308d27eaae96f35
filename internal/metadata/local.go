package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bleepstore/bleepfile/internal/config"
)

const journalFile = "journal.jsonl"

// jsonlEntry is one line of the journal. Records of every type share one
// file so replay sees deletes and re-creates in the order they happened.
type jsonlEntry struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Deleted bool            `json:"_deleted,omitempty"`
	Share   string          `json:"share,omitempty"`
	Path    string          `json:"path,omitempty"`
}

// LocalStore is a MemoryStore whose mutations are appended to a JSONL
// journal and replayed on startup. Reads are served from memory.
type LocalStore struct {
	*MemoryStore

	jmu       sync.Mutex
	rootDir   string
	compactOn bool
}

func NewLocalStore(cfg *config.LocalMetaConfig) (*LocalStore, error) {
	if cfg == nil {
		cfg = &config.LocalMetaConfig{}
	}
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/metadata"
	}

	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &LocalStore{
		MemoryStore: NewMemoryStore(),
		rootDir:     cfg.RootDir,
		compactOn:   cfg.CompactOnStartup,
	}

	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	if s.compactOn {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata: %w", err)
		}
	}

	return s, nil
}

func (s *LocalStore) replay() error {
	ctx := context.Background()
	return s.loadJSONLFile(filepath.Join(s.rootDir, journalFile), func(entry jsonlEntry) error {
		switch entry.Type {
		case "share":
			if entry.Deleted {
				s.MemoryStore.DeleteShare(ctx, entry.Share)
				return nil
			}
			var share ShareRecord
			if err := json.Unmarshal(entry.Data, &share); err != nil {
				return err
			}
			s.mu.Lock()
			s.shares[share.Name] = &share
			if s.entries[share.Name] == nil {
				s.entries[share.Name] = make(map[string]*EntryRecord)
			}
			s.mu.Unlock()
		case "entry":
			if entry.Deleted {
				s.MemoryStore.DeleteEntry(ctx, entry.Share, entry.Path)
				return nil
			}
			var e EntryRecord
			if err := json.Unmarshal(entry.Data, &e); err != nil {
				return err
			}
			return s.MemoryStore.PutEntry(ctx, &e)
		case "credential":
			var cred CredentialRecord
			if err := json.Unmarshal(entry.Data, &cred); err != nil {
				return err
			}
			return s.MemoryStore.PutCredential(ctx, &cred)
		default:
			slog.Warn("Skipping unknown journal record", "type", entry.Type)
		}
		return nil
	})
}

func (s *LocalStore) loadJSONLFile(path string, handler func(jsonlEntry) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final write leaves a partial line; skip it.
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *LocalStore) appendEntry(entry jsonlEntry) error {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.rootDir, journalFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *LocalStore) appendRecord(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", typ, err)
	}
	return s.appendEntry(jsonlEntry{Type: typ, Data: data})
}

// compact rewrites the journal so it holds exactly one record per live
// share, entry and credential.
func (s *LocalStore) compact() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.jmu.Lock()
	defer s.jmu.Unlock()

	return s.writeCompactFile(journalFile, func(f *os.File) error {
		for _, share := range s.shares {
			if err := writeJSONLRecord(f, "share", share); err != nil {
				return err
			}
		}
		for _, entries := range s.entries {
			for _, e := range entries {
				if err := writeJSONLRecord(f, "entry", e); err != nil {
					return err
				}
			}
		}
		for _, cred := range s.credentials {
			if err := writeJSONLRecord(f, "credential", cred); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) writeCompactFile(filename string, writeFunc func(*os.File) error) error {
	path := filepath.Join(s.rootDir, filename)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := writeFunc(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()

	return os.Rename(tmpPath, path)
}

func writeJSONLRecord(f *os.File, typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(jsonlEntry{Type: typ, Data: data})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Ping checks that the journal directory is still reachable.
func (s *LocalStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.rootDir)
	return err
}

func (s *LocalStore) CreateShare(ctx context.Context, share *ShareRecord) error {
	if err := s.MemoryStore.CreateShare(ctx, share); err != nil {
		return err
	}
	return s.appendRecord("share", share)
}

func (s *LocalStore) UpdateShare(ctx context.Context, share *ShareRecord) error {
	if err := s.MemoryStore.UpdateShare(ctx, share); err != nil {
		return err
	}
	updated, err := s.MemoryStore.GetShare(ctx, share.Name)
	if err != nil || updated == nil {
		return fmt.Errorf("reloading share %q: %w", share.Name, err)
	}
	return s.appendRecord("share", updated)
}

func (s *LocalStore) DeleteShare(ctx context.Context, name string) error {
	if err := s.MemoryStore.DeleteShare(ctx, name); err != nil {
		return err
	}
	return s.appendEntry(jsonlEntry{Type: "share", Deleted: true, Share: name})
}

func (s *LocalStore) CreateEntry(ctx context.Context, entry *EntryRecord) error {
	if err := s.MemoryStore.CreateEntry(ctx, entry); err != nil {
		return err
	}
	return s.appendRecord("entry", entry)
}

func (s *LocalStore) PutEntry(ctx context.Context, entry *EntryRecord) error {
	if err := s.MemoryStore.PutEntry(ctx, entry); err != nil {
		return err
	}
	return s.appendRecord("entry", entry)
}

func (s *LocalStore) DeleteEntry(ctx context.Context, share, path string) error {
	if err := s.MemoryStore.DeleteEntry(ctx, share, path); err != nil {
		return err
	}
	return s.appendEntry(jsonlEntry{Type: "entry", Deleted: true, Share: share, Path: path})
}

func (s *LocalStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	if err := s.MemoryStore.PutCredential(ctx, cred); err != nil {
		return err
	}
	return s.appendRecord("credential", cred)
}

var _ MetadataStore = (*LocalStore)(nil)

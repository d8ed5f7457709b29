package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"offerwatch/internal/watch"
)

// FileStore keeps all records in one JSON document, rewritten atomically on every change.
type FileStore struct {
	path string

	mu      sync.Mutex
	loaded  bool
	records map[string]*watch.WatchRecord
}

// NewFileStore binds a store to path. The file is read lazily.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns a copy of the record stored under key.
func (s *FileStore) Get(ctx context.Context, key string) (*watch.WatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of every record.
func (s *FileStore) List(ctx context.Context) (map[string]*watch.WatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make(map[string]*watch.WatchRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v.Clone()
	}
	return out, nil
}

// Save stores rec under key and flushes the document.
func (s *FileStore) Save(ctx context.Context, key string, rec *watch.WatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}

	prev, had := s.records[key]
	s.records[key] = rec.Clone()
	if err := s.flush(); err != nil {
		if had {
			s.records[key] = prev
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

// Prune removes records not listed in keep.
func (s *FileStore) Prune(ctx context.Context, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, err
	}

	wanted := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		wanted[k] = struct{}{}
	}
	removed := make(map[string]*watch.WatchRecord)
	for k, v := range s.records {
		if _, ok := wanted[k]; !ok {
			removed[k] = v
			delete(s.records, k)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.flush(); err != nil {
		for k, v := range removed {
			s.records[k] = v
		}
		return 0, err
	}
	return len(removed), nil
}

func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}
	s.records = make(map[string]*watch.WatchRecord)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.records); err != nil {
			return fmt.Errorf("decode state file: %w", err)
		}
	}
	for k, v := range s.records {
		if v == nil {
			delete(s.records, k)
		}
	}
	s.loaded = true
	return nil
}

func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".watch-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

var _ StateStore = (*FileStore)(nil)

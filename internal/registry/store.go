package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists mappings between process runs.
type Store interface {
	Load(ctx context.Context) ([]Mapping, error)
	Put(ctx context.Context, m Mapping) error
	Delete(ctx context.Context, clientProjectID string) error
	Close() error
}

// Open returns the Store for driver: "file", "sqlite" or "memory".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown registry driver %q", driver)
	}
}

// fileData is the persisted JSON structure.
type fileData struct {
	Version  int                `json:"version"`
	Mappings map[string]Mapping `json:"mappings"`
}

// FileStore keeps mappings in a single JSON file, replaced atomically by
// rename. Each write re-reads the file first, which picks up earlier writes
// by other processes, but there is no cross-process lock: concurrent writers
// are last write wins and one may drop the other's change.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the parent directory and returns a FileStore.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file store path is empty", ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the JSON file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]Mapping, 0, len(data.Mappings))
	for id, m := range data.Mappings {
		m.ClientProjectID = id
		out = append(out, m)
	}
	return out, nil
}

func (s *FileStore) Put(_ context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	data.Mappings[m.ClientProjectID] = m
	return s.write(data)
}

func (s *FileStore) Delete(_ context.Context, clientProjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := data.Mappings[clientProjectID]; !ok {
		return nil
	}
	delete(data.Mappings, clientProjectID)
	return s.write(data)
}

func (s *FileStore) Close() error { return nil }

// read returns an empty table when the file does not exist yet.
func (s *FileStore) read() (*fileData, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &fileData{Version: 1, Mappings: make(map[string]Mapping)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupted, err)
	}
	if data.Mappings == nil {
		data.Mappings = make(map[string]Mapping)
	}
	return &data, nil
}

func (s *FileStore) write(data *fileData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	// A temp file per write keeps concurrent writers from renaming each
	// other's half-written data. CreateTemp uses mode 0600.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create registry temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename registry: %w", err)
	}
	return nil
}

// MemoryStore is a Store that forgets everything on exit. Used in tests
// and with the "memory" driver.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Mapping
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Mapping)}
}

func (s *MemoryStore) Load(_ context.Context) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, 0, len(s.data))
	for _, m := range s.data {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, m Mapping) error {
	s.mu.Lock()
	s.data[m.ClientProjectID] = m
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, clientProjectID string) error {
	s.mu.Lock()
	delete(s.data, clientProjectID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

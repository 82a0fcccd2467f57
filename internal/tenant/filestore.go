package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrStoreCorrupted is returned when the tenant file cannot be decoded.
var ErrStoreCorrupted = errors.New("tenant: store file corrupted")

// fileData is the persisted FileStore structure.
type fileData struct {
	Version int                          `json:"version"`
	Tenants map[string]*Config           `json:"tenants"` // key: tenant key
	Secrets map[string]map[string]string `json:"secrets"` // key: tenant key, then secret name
}

// FileStore is a Store persisted as a single JSON file. It suits single-node
// deployments that do not want SQLite; writes rewrite the whole file.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
	data     *fileData
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens or creates the store at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		filePath: path,
		data: &fileData{
			Version: 1,
			Tenants: make(map[string]*Config),
			Secrets: make(map[string]map[string]string),
		},
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load tenant store: %w", err)
	}
	return s, nil
}

// GetTenant implements Store.
func (s *FileStore) GetTenant(_ context.Context, key string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.data.Tenants[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneConfig(*cfg)
	return &cp, nil
}

// UpsertTenant implements Store.
func (s *FileStore) UpsertTenant(_ context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneConfig(cfg)
	s.data.Tenants[cfg.Key] = &cp
	return s.save()
}

// ListTenants implements Store.
func (s *FileStore) ListTenants(_ context.Context) ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Config, 0, len(s.data.Tenants))
	for _, cfg := range s.data.Tenants {
		out = append(out, cloneConfig(*cfg))
	}
	return out, nil
}

// DeleteTenant implements Store.
func (s *FileStore) DeleteTenant(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.Tenants, key)
	delete(s.data.Secrets, key)
	return s.save()
}

// PutSecret implements SecretStore.
func (s *FileStore) PutSecret(_ context.Context, tenantKey, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Secrets[tenantKey] == nil {
		s.data.Secrets[tenantKey] = make(map[string]string)
	}
	s.data.Secrets[tenantKey][name] = value
	return s.save()
}

// GetSecret implements SecretStore.
func (s *FileStore) GetSecret(_ context.Context, tenantKey, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data.Secrets[tenantKey][name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// load reads the store from disk.
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}

	// Initialize maps if nil (older files)
	if fd.Tenants == nil {
		fd.Tenants = make(map[string]*Config)
	}
	if fd.Secrets == nil {
		fd.Secrets = make(map[string]map[string]string)
	}

	s.data = &fd
	return nil
}

// save writes the store to disk atomically.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tenant store: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write tenant store: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename tenant store: %w", err)
	}

	return nil
}

func cloneConfig(c Config) Config {
	if c.Projects != nil {
		c.Projects = append([]string(nil), c.Projects...)
	}
	return c
}

package kmssigner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// KeyStore holds local key metadata with atomic file persistence. It
// doubles as the resolver's public-key cache: the public half of an
// entry is written at most once and read-only afterwards.
type KeyStore struct {
	mu    sync.RWMutex
	path  string
	data  *StoreData
	dirty bool
}

// NewKeyStore creates or opens a store at the given path.
// If the file doesn't exist, a new empty store is created.
// If the directory doesn't exist, it is created with 0700 permissions.
func NewKeyStore(path string) (*KeyStore, error) {
	store := &KeyStore{
		path: path,
		data: &StoreData{
			Version: DefaultStoreVersion,
			Keys:    make(map[string]*KeyMetadata),
		},
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// NewMemoryStore creates a store that is never persisted. Useful for
// tests and for callers that treat the remote service as the only
// source of truth.
func NewMemoryStore() *KeyStore {
	return &KeyStore{
		data: &StoreData{
			Version: DefaultStoreVersion,
			Keys:    make(map[string]*KeyMetadata),
		},
	}
}

// load reads store data from disk.
// Returns os.ErrNotExist if the file doesn't exist, which is not an
// error for new stores.
func (s *KeyStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	// Empty file is valid - treat as empty store
	if len(data) == 0 {
		return nil
	}

	var storeData StoreData
	if err := json.Unmarshal(data, &storeData); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}

	if storeData.Version > DefaultStoreVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrStoreCorrupted, storeData.Version)
	}

	if storeData.Keys == nil {
		storeData.Keys = make(map[string]*KeyMetadata)
	}

	s.data = &storeData
	s.dirty = false
	return nil
}

// syncLocked writes store data atomically using temp file + rename.
// Must be called with write lock held.
func (s *KeyStore) syncLocked() error {
	if !s.dirty || s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorePersist, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write: %v", ErrStorePersist, err)
	}

	// Fsync before rename so a crash cannot leave a truncated file.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync: %v", ErrStorePersist, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close: %v", ErrStorePersist, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrStorePersist, err)
	}

	s.dirty = false
	return nil
}

// Sync flushes pending changes to disk.
func (s *KeyStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

// Close syncs any pending changes and releases resources.
func (s *KeyStore) Close() error {
	return s.Sync()
}

// Path returns the store file path.
func (s *KeyStore) Path() string {
	return s.path
}

// Save stores key metadata.
func (s *KeyStore) Save(meta *KeyMetadata) error {
	if meta == nil {
		return fmt.Errorf("metadata cannot be nil")
	}
	if meta.KeyID == "" {
		return fmt.Errorf("metadata KeyID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.data.Keys[meta.KeyID]; exists {
		if existing.Address != meta.Address {
			return fmt.Errorf("%w: %s", ErrKeyExists, meta.KeyID)
		}
	}
	if meta.Alias != "" {
		for _, other := range s.data.Keys {
			if other.Alias == meta.Alias && other.KeyID != meta.KeyID {
				return fmt.Errorf("%w: %s", ErrAliasCollision, meta.Alias)
			}
		}
	}

	s.data.Keys[meta.KeyID] = copyMetadata(meta)
	s.dirty = true
	return s.syncLocked()
}

// PutResolved records the public half of a key resolved from the
// service. The write happens at most once per key; an entry that
// already holds an address is left untouched.
func (s *KeyStore) PutResolved(handle KeyHandle, pubKey []byte, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.data.Keys[handle.KeyID]; exists {
		if existing.Address != "" {
			if existing.Address != address || !bytes.Equal(existing.PubKeyBytes, pubKey) {
				return fmt.Errorf("%w: %s", ErrKeyExists, handle.KeyID)
			}
			return nil
		}
		existing.PubKeyBytes = append([]byte(nil), pubKey...)
		existing.Address = address
		s.dirty = true
		return s.syncLocked()
	}

	s.data.Keys[handle.KeyID] = &KeyMetadata{
		KeyID:       handle.KeyID,
		ARN:         handle.ARN,
		Alias:       handle.Alias,
		PubKeyBytes: append([]byte(nil), pubKey...),
		Address:     address,
		Algorithm:   AlgorithmSecp256k1,
		CreatedAt:   time.Now().UTC(),
		Source:      SourceResolved,
	}
	s.dirty = true
	return s.syncLocked()
}

// Get retrieves metadata by key id.
func (s *KeyStore) Get(keyID string) (*KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.data.Keys[keyID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return copyMetadata(meta), nil
}

// GetByAlias retrieves metadata by alias.
func (s *KeyStore) GetByAlias(alias string) (*KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, meta := range s.data.Keys {
		if meta.Alias == alias {
			return copyMetadata(meta), nil
		}
	}
	return nil, fmt.Errorf("%w: alias %s", ErrKeyNotFound, alias)
}

// Delete removes metadata.
func (s *KeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Keys[keyID]; !exists {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	delete(s.data.Keys, keyID)
	s.dirty = true
	return s.syncLocked()
}

// Has checks existence by key id.
func (s *KeyStore) Has(keyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Keys[keyID] != nil
}

// HasAlias checks whether an alias is already bound locally.
func (s *KeyStore) HasAlias(alias string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, meta := range s.data.Keys {
		if meta.Alias == alias {
			return true
		}
	}
	return false
}

// Count returns key count.
func (s *KeyStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Keys)
}

// copyMetadata creates a deep copy of KeyMetadata.
func copyMetadata(meta *KeyMetadata) *KeyMetadata {
	if meta == nil {
		return nil
	}
	cp := *meta
	if meta.PubKeyBytes != nil {
		cp.PubKeyBytes = make([]byte, len(meta.PubKeyBytes))
		copy(cp.PubKeyBytes, meta.PubKeyBytes)
	}
	return &cp
}

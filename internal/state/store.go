package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAuth         = []byte("auth")
	bucketRegistration = []byte("registration")
	keyAccessToken     = []byte("access_token")
	keyRegistration    = []byte("current")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) a BoltDB-backed store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAuth, bucketRegistration} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) put(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Put(key, value)
	})
}

func (s *BoltStore) get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		// Values are only valid inside the transaction.
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Delete(key)
	})
}

// SaveToken stores the access token.
func (s *BoltStore) SaveToken(token string) error {
	return s.put(bucketAuth, keyAccessToken, []byte(token))
}

// LoadToken returns the stored access token, or "" when none is stored.
func (s *BoltStore) LoadToken() (string, error) {
	v, err := s.get(bucketAuth, keyAccessToken)
	return string(v), err
}

// DeleteToken removes the stored access token.
func (s *BoltStore) DeleteToken() error {
	return s.delete(bucketAuth, keyAccessToken)
}

// SaveRegistration stores the registration progress.
func (s *BoltStore) SaveRegistration(reg Registration) error {
	if reg.SavedAt.IsZero() {
		reg.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	return s.put(bucketRegistration, keyRegistration, data)
}

// LoadRegistration returns the saved registration progress, or nil.
func (s *BoltStore) LoadRegistration() (*Registration, error) {
	data, err := s.get(bucketRegistration, keyRegistration)
	if err != nil || data == nil {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration: %w", err)
	}
	return &reg, nil
}

// ClearRegistration removes the saved registration progress.
func (s *BoltStore) ClearRegistration() error {
	return s.delete(bucketRegistration, keyRegistration)
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FileStore implements Store with plain files in a cache directory: the token
// in "config" and the registration progress in "registration_state.json".
type FileStore struct {
	dir string
}

// NewFileStore creates a file-based store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) tokenPath() string {
	return filepath.Join(s.dir, "config")
}

func (s *FileStore) registrationPath() string {
	return filepath.Join(s.dir, "registration_state.json")
}

func (s *FileStore) write(path string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SaveToken writes the access token file.
func (s *FileStore) SaveToken(token string) error {
	return s.write(s.tokenPath(), []byte(token))
}

// LoadToken reads the access token file.
func (s *FileStore) LoadToken() (string, error) {
	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// DeleteToken removes the access token file.
func (s *FileStore) DeleteToken() error {
	return removeIfExists(s.tokenPath())
}

// SaveRegistration writes the registration progress as indented JSON.
func (s *FileStore) SaveRegistration(reg Registration) error {
	if reg.SavedAt.IsZero() {
		reg.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	return s.write(s.registrationPath(), data)
}

// LoadRegistration reads the registration progress, or nil when absent.
func (s *FileStore) LoadRegistration() (*Registration, error) {
	data, err := os.ReadFile(s.registrationPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration: %w", err)
	}
	return &reg, nil
}

// ClearRegistration removes the registration file.
func (s *FileStore) ClearRegistration() error {
	return removeIfExists(s.registrationPath())
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error {
	return nil
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu    sync.Mutex
	token string
	reg   *Registration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveToken stores the token.
func (s *MemoryStore) SaveToken(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// LoadToken returns the stored token.
func (s *MemoryStore) LoadToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

// DeleteToken forgets the token.
func (s *MemoryStore) DeleteToken() error {
	return s.SaveToken("")
}

// SaveRegistration stores the registration progress.
func (s *MemoryStore) SaveRegistration(reg Registration) error {
	s.mu.Lock()
	s.reg = &reg
	s.mu.Unlock()
	return nil
}

// LoadRegistration returns a copy of the stored registration progress.
func (s *MemoryStore) LoadRegistration() (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return nil, nil
	}
	reg := *s.reg
	return &reg, nil
}

// ClearRegistration forgets the registration progress.
func (s *MemoryStore) ClearRegistration() error {
	s.mu.Lock()
	s.reg = nil
	s.mu.Unlock()
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

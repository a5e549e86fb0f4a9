// Package spancache stores entity detection results keyed by a digest of the
// analyzed text, so repeated texts skip the remote model call.
//
// Three Store implementations are provided:
//   - NewMemory: unbounded map, for tests and short-lived processes.
//   - NewBolt:   embedded bbolt database; entries survive restarts.
//   - NewS3FIFO: S3-FIFO eviction layer bounding any backing Store.
package spancache

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"text-anonymizer/internal/logger"
)

// Store is a string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value stored under key.
	Get(key string) (value string, ok bool)

	// Set stores value under key, replacing any previous value.
	Set(key, value string)

	// Delete removes key. Missing keys are ignored.
	Delete(key string)

	// Close releases file handles. The store must not be used afterwards.
	Close() error
}

type memoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memoryStore{m: make(map[string]string)}
}

func (s *memoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

func (s *memoryStore) Set(key, value string) {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

func (s *memoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

func (s *memoryStore) Close() error { return nil }

// Len reports the number of stored entries.
func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

var boltBucket = []byte("entity_spans")

type boltStore struct {
	db  *bolt.DB
	log *logger.Logger
}

// NewBolt opens (or creates) a bbolt database at path.
func NewBolt(path string, log *logger.Logger) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open span cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create span cache bucket: %w", err)
	}
	log.Infof("open", "span cache opened at %s", path)
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Get(key string) (string, bool) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		s.log.Warnf("get", "bbolt read failed: %v", err)
		return "", false
	}
	return value, found
}

func (s *boltStore) Set(key, value string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), []byte(value))
	}); err != nil {
		s.log.Warnf("set", "bbolt write failed: %v", err)
	}
}

func (s *boltStore) Delete(key string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	}); err != nil {
		s.log.Warnf("delete", "bbolt delete failed: %v", err)
	}
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

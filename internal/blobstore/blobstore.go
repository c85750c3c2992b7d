// Package blobstore is the cold-segment object store: rotated segments
// are opaque byte blobs addressed by key, written once and read many
// times, never mutated in place.
//
// Grounded on the teacher's store/bbolt.go, repurposed wholesale: the
// same bbolt.Open/CreateBucketIfNotExists/db.Update(tx) shape, now
// storing segment bytes under their object key instead of serialized
// StreamMetadata.
package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key has no stored blob.
var ErrNotFound = errors.New("blobstore: not found")

var segmentsBucket = []byte("segments")

// Store is the cold-segment object store contract. internal/engine
// depends on this interface, not on *BboltStore directly, so a
// cloud-object-storage-backed implementation can be substituted without
// touching rotation logic.
type Store interface {
	Put(key string, body []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Close() error
}

// BboltStore is the default local Store, one bbolt database file shared
// across every stream's cold segments.
type BboltStore struct {
	db   *bbolt.DB
	mu   sync.RWMutex
	path string
}

// Open creates dataDir if needed and opens (or creates) the segment blob
// database inside it.
func Open(dataDir string) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "segments.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blobstore: create bucket: %w", err)
	}

	return &BboltStore{db: db, path: dataDir}, nil
}

// Put writes body under key, overwriting any existing blob at that key.
// Rotation always calls Put with a freshly generated key, so overwrite
// is reachable only via a retried rotation for the same segment.
func (s *BboltStore) Put(key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		// bbolt retains the []byte passed to Put only for the duration
		// of the transaction; copy it so callers can reuse their buffer.
		cp := make([]byte, len(body))
		copy(cp, body)
		return b.Put([]byte(key), cp)
	})
}

// Get returns the blob stored at key.
func (s *BboltStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the blob stored at key, if any.
func (s *BboltStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		return b.Delete([]byte(key))
	})
}

// Close releases the underlying bbolt database.
func (s *BboltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ Store = (*BboltStore)(nil)

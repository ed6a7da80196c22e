// Package settings persists small JSON documents (provider preference, sync
// state, stored credentials) in a bbolt file next to the local store.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Buckets.
const (
	BucketPreferences = "preferences"
	BucketSync        = "sync"
	BucketCredentials = "credentials"
)

const keyProviderKind = "provider_kind"

var buckets = []string{BucketPreferences, BucketSync, BucketCredentials}

// ErrUnknownBucket is returned for a bucket name not created by [Open].
var ErrUnknownBucket = errors.New("unknown settings bucket")

// Store is a bbolt-backed key/value store. Values are JSON encoded.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the settings file at path and ensures every bucket
// exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening settings %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get decodes the value at bucket/key into v. It reports false when the key
// is absent, leaving v untouched.
func (s *Store) Get(bucket, key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return false, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	return found, nil
}

// Put stores v at bucket/key.
func (s *Store) Put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes bucket/key. Deleting a missing key is not an error.
func (s *Store) Delete(bucket, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ProviderKind returns the persisted provider preference, or "" if none.
func (s *Store) ProviderKind() (string, error) {
	var kind string
	if _, err := s.Get(BucketPreferences, keyProviderKind, &kind); err != nil {
		return "", err
	}
	return kind, nil
}

// SetProviderKind persists the provider preference.
func (s *Store) SetProviderKind(kind string) error {
	return s.Put(BucketPreferences, keyProviderKind, kind)
}

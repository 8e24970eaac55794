// Package localstore is the client's durable key/value storage: the
// installation salt and the auth token live here across sessions.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName = "calmkit"

	// TokenKey names the auth token.
	TokenKey = "token"
)

// Bolt is a single-bucket bbolt database.
type Bolt struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if raw != nil {
			value = string(raw)
			ok = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, ok, nil
}

func (s *Bolt) Set(_ context.Context, key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Bolt) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes value unless key already exists and returns the value
// stored afterwards. The check and the write share one transaction.
func (s *Bolt) SetIfAbsent(_ context.Context, key, value string) (string, error) {
	stored := value
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if existing := bucket.Get([]byte(key)); existing != nil {
			stored = string(existing)
			return nil
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return "", fmt.Errorf("set %s: %w", key, err)
	}
	return stored, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

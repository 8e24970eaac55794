package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const fileBucket = "session"

// FileStore keeps a session in its own bbolt file so it outlives a single
// CLI invocation. Each value expires ttl after it was last written and is
// dropped on the first read past that point.
type FileStore struct {
	db  *bbolt.DB
	ttl time.Duration
	now func() time.Time
}

type fileEntry struct {
	Value     string    `json:"v"`
	ExpiresAt time.Time `json:"exp"`
}

// OpenFileStore opens (creating if needed) the session file at path.
func OpenFileStore(path string, ttl time.Duration) (*FileStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fileBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session bucket: %w", err)
	}
	return &FileStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *FileStore) Get(_ context.Context, name string) (string, bool, error) {
	var (
		entry   fileEntry
		found   bool
		expired bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(fileBucket)).Get([]byte(name))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if !s.now().Before(entry.ExpiresAt) {
			expired = true
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get session value: %w", err)
	}
	if expired {
		if err := s.Delete(context.Background(), name); err != nil {
			return "", false, err
		}
	}
	if !found {
		return "", false, nil
	}
	return entry.Value, true, nil
}

func (s *FileStore) Set(_ context.Context, name, value string) error {
	raw, err := json.Marshal(fileEntry{Value: value, ExpiresAt: s.now().Add(s.ttl)})
	if err != nil {
		return fmt.Errorf("marshal session value: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(fileBucket)).Put([]byte(name), raw)
	})
	if err != nil {
		return fmt.Errorf("set session value: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(fileBucket)).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete session value: %w", err)
	}
	return nil
}

// End removes every value of the session.
func (s *FileStore) End(context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(fileBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(fileBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.db.Close()
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"calmkit/internal/keymgr"
)

func setupTestRedis(t *testing.T, sessionID string, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), sessionID, ttl)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, s := setupTestRedis(t, "tab-1", time.Minute)
	defer s.Close()
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("://nope", "tab", time.Minute); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestSetGetDelete(t *testing.T) {
	store, s := setupTestRedis(t, "tab-1", time.Minute)
	defer s.Close()
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, keymgr.PasscodeStorageKey, "1234"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := s.TTL("session:tab-1:" + keymgr.PasscodeStorageKey); got != time.Minute {
		t.Errorf("expected ttl of one minute, got %v", got)
	}

	value, ok, err := store.Get(ctx, keymgr.PasscodeStorageKey)
	if err != nil || !ok || value != "1234" {
		t.Fatalf("Get = %q, %v, %v", value, ok, err)
	}

	if err := store.Delete(ctx, keymgr.PasscodeStorageKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, keymgr.PasscodeStorageKey); ok {
		t.Error("expected value to be deleted")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	s := miniredis.RunT(t)
	ctx := context.Background()

	first, err := NewRedisStore("redis://"+s.Addr(), "tab-1", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer first.Close()
	second, err := NewRedisStore("redis://"+s.Addr(), "tab-2", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer second.Close()

	if err := first.Set(ctx, keymgr.PasscodeStorageKey, "1234"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, _ := second.Get(ctx, keymgr.PasscodeStorageKey); ok {
		t.Error("expected another session not to see the passcode")
	}
}

func TestExpiredSessionForgetsPasscode(t *testing.T) {
	store, s := setupTestRedis(t, "tab-1", time.Minute)
	defer s.Close()
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, keymgr.PasscodeStorageKey, "1234"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	ok, err := keymgr.New(newSaltStore(), store).EnsureKeyFromSession(ctx)
	if err != nil {
		t.Fatalf("EnsureKeyFromSession failed: %v", err)
	}
	if ok {
		t.Error("expected an expired session to yield no key")
	}
}

func TestEndRemovesAllValues(t *testing.T) {
	store, s := setupTestRedis(t, "tab-1", time.Minute)
	defer s.Close()
	defer store.Close()
	ctx := context.Background()

	_ = store.Set(ctx, "a", "1")
	_ = store.Set(ctx, "b", "2")
	if err := store.End(ctx); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, ok, _ := store.Get(ctx, name); ok {
			t.Errorf("expected %s to be removed", name)
		}
	}
}

// saltStore is a minimal persistent store for exercising the key manager.
type saltStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newSaltStore() *saltStore { return &saltStore{values: make(map[string]string)} }

func (s *saltStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *saltStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *saltStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *saltStore) SetIfAbsent(_ context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.values[key]; ok {
		return existing, nil
	}
	s.values[key] = value
	return value, nil
}

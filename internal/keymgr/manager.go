// Package keymgr turns a short user passcode into AES-256 key material and
// gates encryption of journal logs on its presence.
//
// The plaintext passcode only ever lives in session-scoped storage. The salt
// lives in persistent storage: it is not secret, but changing it invalidates
// every key derived before. The derived key is never persisted or sent
// anywhere.
package keymgr

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// SaltStorageKey names the salt in persistent storage.
	SaltStorageKey = "CK_LOGS_SALT"
	// PasscodeStorageKey names the passcode in session storage.
	PasscodeStorageKey = "CK_PASSCODE"
)

// ErrLocked is returned by crypto operations when no key is cached.
var ErrLocked = errors.New("no key derived for this session")

// Store is a string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// PersistentStore survives across sessions. SetIfAbsent writes value only
// when key is unset and returns whatever is stored afterwards, atomically.
type PersistentStore interface {
	Store
	SetIfAbsent(ctx context.Context, key, value string) (string, error)
}

// Manager owns the key cache for one authenticated session. Create it at
// login and call Forget at logout.
type Manager struct {
	local   PersistentStore
	session Store
	random  io.Reader

	mu   sync.Mutex
	salt []byte
	key  *Key
}

// Option configures a Manager.
type Option func(*Manager)

// WithRandom replaces the salt randomness source.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		m.random = r
	}
}

// New creates a Manager over the given stores.
func New(local PersistentStore, session Store, opts ...Option) *Manager {
	m := &Manager{
		local:   local,
		session: session,
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateLocalSalt returns the installation salt, creating and persisting
// a fresh one on first use.
func (m *Manager) GetOrCreateLocalSalt(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saltLocked(ctx)
}

func (m *Manager) saltLocked(ctx context.Context) ([]byte, error) {
	if m.salt != nil {
		return cloneBytes(m.salt), nil
	}

	encoded, ok, err := m.local.Get(ctx, SaltStorageKey)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if !ok {
		fresh := make([]byte, SaltSize)
		if _, err := io.ReadFull(m.random, fresh); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		// Another process may have won the race; keep whatever landed first.
		encoded, err = m.local.SetIfAbsent(ctx, SaltStorageKey, base64.StdEncoding.EncodeToString(fresh))
		if err != nil {
			return nil, fmt.Errorf("write salt: %w", err)
		}
	}

	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: stored salt is corrupt", ErrInvalidSalt)
	}
	m.salt = salt
	return cloneBytes(salt), nil
}

// Derive validates passcode, derives the key against the local salt and
// caches it for the rest of the session.
func (m *Manager) Derive(ctx context.Context, passcode string) (*Key, error) {
	if err := ValidatePasscode(passcode); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	salt, err := m.saltLocked(ctx)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(passcode, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	m.key = key
	return key, nil
}

// SavePasscode keeps the passcode in session storage so the key can be
// re-derived after a reload without prompting again.
func (m *Manager) SavePasscode(ctx context.Context, code string) error {
	if err := ValidatePasscode(code); err != nil {
		return err
	}
	if err := m.session.Set(ctx, PasscodeStorageKey, code); err != nil {
		return fmt.Errorf("save passcode: %w", err)
	}
	return nil
}

// IsCorrectPasscode compares code against the passcode held in session
// storage.
func (m *Manager) IsCorrectPasscode(ctx context.Context, code string) (bool, error) {
	stored, ok, err := m.session.Get(ctx, PasscodeStorageKey)
	if err != nil {
		return false, fmt.Errorf("read passcode: %w", err)
	}
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(code)) == 1, nil
}

// HasDerivedKey reports whether a key is cached for this session.
func (m *Manager) HasDerivedKey() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key != nil
}

// EnsureKeyFromSession derives the key from the session passcode when none
// is cached. It reports false when the session no longer holds a usable
// passcode.
func (m *Manager) EnsureKeyFromSession(ctx context.Context) (bool, error) {
	if m.HasDerivedKey() {
		return true, nil
	}
	code, ok, err := m.session.Get(ctx, PasscodeStorageKey)
	if err != nil {
		return false, fmt.Errorf("read passcode: %w", err)
	}
	if !ok || !IsValidPasscode(code) {
		return false, nil
	}
	if _, err := m.Derive(ctx, code); err != nil {
		return false, err
	}
	return true, nil
}

// ExportLocalSaltBase64 returns the persisted salt for a passcode-change
// request. ok is false when no salt has been created yet.
func (m *Manager) ExportLocalSaltBase64(ctx context.Context) (string, bool, error) {
	encoded, ok, err := m.local.Get(ctx, SaltStorageKey)
	if err != nil {
		return "", false, fmt.Errorf("read salt: %w", err)
	}
	if !ok || encoded == "" {
		return "", false, nil
	}
	return encoded, true, nil
}

// Key returns the cached key or ErrLocked.
func (m *Manager) Key() (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, ErrLocked
	}
	return m.key, nil
}

// Encrypt seals plaintext with the session key and returns the base64
// ciphertext together with the key ID.
func (m *Manager) Encrypt(plaintext []byte) (ciphertext, keyID string, err error) {
	key, err := m.Key()
	if err != nil {
		return "", "", err
	}
	ciphertext, err = key.SealString(plaintext)
	if err != nil {
		return "", "", err
	}
	return ciphertext, key.ID(), nil
}

func (m *Manager) Decrypt(ciphertext string) ([]byte, error) {
	key, err := m.Key()
	if err != nil {
		return nil, err
	}
	return key.OpenString(ciphertext)
}

// Forget drops the cached key and the session passcode. The salt stays.
func (m *Manager) Forget(ctx context.Context) error {
	m.mu.Lock()
	if m.key != nil {
		m.key.Destroy()
		m.key = nil
	}
	m.mu.Unlock()

	if err := m.session.Delete(ctx, PasscodeStorageKey); err != nil {
		return fmt.Errorf("clear passcode: %w", err)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

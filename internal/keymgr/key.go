package keymgr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length of the per-installation salt.
	SaltSize = 16
	// KeySize is the length of a derived AES-256 key.
	KeySize = 32
	// Iterations is the PBKDF2 work factor.
	Iterations = 200_000

	nonceSize = 12
	keyIDInfo = "calmkit/key-id"
)

var (
	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrInvalidSalt      = errors.New("invalid salt")
	ErrCiphertextShort  = errors.New("ciphertext too short")
	ErrDecrypt          = errors.New("decryption failed")
)

// Key is a symmetric AES-256-GCM key held only in memory.
type Key struct {
	raw [KeySize]byte
	id  string
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over passcode and salt. The result is
// deterministic: the same passcode and salt produce the same key on every
// device.
func DeriveKey(passcode string, salt []byte) (*Key, error) {
	if err := ValidatePasscode(passcode); err != nil {
		return nil, err
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSalt, SaltSize, len(salt))
	}
	raw := pbkdf2.Key([]byte(passcode), salt, Iterations, KeySize, sha256.New)
	return NewKey(raw)
}

// NewKey wraps existing 32-byte key material, e.g. a server master key.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	k := &Key{}
	copy(k.raw[:], raw)
	mac := hmac.New(sha256.New, k.raw[:])
	_, _ = mac.Write([]byte(keyIDInfo))
	k.id = hex.EncodeToString(mac.Sum(nil)[:8])
	return k, nil
}

// ID identifies the key without revealing it. Ciphertext is tagged with it
// so a re-encryption pass can tell which key sealed a record.
func (k *Key) ID() string {
	return k.id
}

// Equal reports whether both keys hold the same material.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return hmac.Equal(k.raw[:], other.raw[:])
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := k.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (k *Key) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+16 {
		return nil, ErrCiphertextShort
	}
	gcm, err := k.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealString is Seal with standard base64 output, the form stored in log
// records and sent over the wire.
func (k *Key) SealString(plaintext []byte) (string, error) {
	sealed, err := k.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *Key) OpenString(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return k.Open(sealed)
}

// Destroy zeroes the key material.
func (k *Key) Destroy() {
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.id = ""
}

func (k *Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

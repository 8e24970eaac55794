package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LogRecord is one journal entry. Legacy entries carry a plaintext JSON
// Payload; encrypted entries carry base64 Ciphertext tagged with the ID of
// the key that sealed it.
type LogRecord struct {
	ID         string
	UserID     string
	Payload    json.RawMessage
	Ciphertext string
	KeyID      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Encrypted reports whether the record holds ciphertext.
func (r LogRecord) Encrypted() bool {
	return r.Ciphertext != ""
}

// Passphrase is the server's record of a user's current passcode. The
// passcode itself is sealed with the server master key. The previous
// values are kept until the job that replaced them has re-encrypted every
// log.
type Passphrase struct {
	UserID         string
	Salt           []byte
	SealedPasscode string
	KeyID          string
	PreviousSalt   []byte
	PreviousSealed string
	PreviousKeyID  string
	UpdatedAt      time.Time
}

// HasPrevious reports whether a superseded passcode is still retained.
func (p Passphrase) HasPrevious() bool {
	return p.PreviousSealed != ""
}

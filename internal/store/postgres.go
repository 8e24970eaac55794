package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, strings.ToLower(user.Email), user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at, updated_at
		FROM users WHERE email=$1
	`, strings.ToLower(email)))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

// GetPassphrase returns ErrNotFound when the user never set a passcode.
func (s *PostgresStore) GetPassphrase(ctx context.Context, userID string) (Passphrase, error) {
	var p Passphrase
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, salt, sealed_passcode, key_id, previous_salt, previous_sealed, previous_key_id, updated_at
		FROM passphrases WHERE user_id=$1
	`, userID).Scan(&p.UserID, &p.Salt, &p.SealedPasscode, &p.KeyID, &p.PreviousSalt, &p.PreviousSealed, &p.PreviousKeyID, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Passphrase{}, ErrNotFound
	}
	if err != nil {
		return Passphrase{}, fmt.Errorf("read passphrase: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SavePassphrase(ctx context.Context, p Passphrase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passphrases (user_id, salt, sealed_passcode, key_id, previous_salt, previous_sealed, previous_key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			salt=EXCLUDED.salt,
			sealed_passcode=EXCLUDED.sealed_passcode,
			key_id=EXCLUDED.key_id,
			previous_salt=EXCLUDED.previous_salt,
			previous_sealed=EXCLUDED.previous_sealed,
			previous_key_id=EXCLUDED.previous_key_id,
			updated_at=NOW()
	`, p.UserID, p.Salt, p.SealedPasscode, p.KeyID, p.PreviousSalt, p.PreviousSealed, p.PreviousKeyID)
	if err != nil {
		return fmt.Errorf("save passphrase: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearPreviousPassphrase(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE passphrases
		SET previous_salt=NULL, previous_sealed='', previous_key_id='', updated_at=NOW()
		WHERE user_id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear previous passphrase: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertLog(ctx context.Context, record LogRecord) error {
	var payload any
	if len(record.Payload) > 0 {
		payload = string(record.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, user_id, payload, ciphertext, key_id)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, record.UserID, payload, record.Ciphertext, record.KeyID)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, userID string) ([]LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, payload, ciphertext, key_id, created_at, updated_at
		FROM logs
		WHERE user_id=$1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	items := make([]LogRecord, 0)
	for rows.Next() {
		var (
			record  LogRecord
			payload []byte
		)
		if err := rows.Scan(&record.ID, &record.UserID, &payload, &record.Ciphertext, &record.KeyID, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if len(payload) > 0 {
			record.Payload = json.RawMessage(payload)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteLog(ctx context.Context, userID, logID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE id=$1 AND user_id=$2`, logID, userID)
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLogCiphertext replaces a log's contents with ciphertext and drops any
// legacy plaintext payload in the same statement.
func (s *PostgresStore) UpdateLogCiphertext(ctx context.Context, userID, logID, ciphertext, keyID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE logs
		SET ciphertext=$3, key_id=$4, payload=NULL, updated_at=NOW()
		WHERE id=$1 AND user_id=$2
	`, logID, userID, ciphertext, keyID)
	if err != nil {
		return fmt.Errorf("update log ciphertext: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update log ciphertext: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

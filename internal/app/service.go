package app

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"calmkit/internal/auth"
	"calmkit/internal/authpw"
	"calmkit/internal/config"
	"calmkit/internal/keymgr"
	"calmkit/internal/passphrase"
	"calmkit/internal/store"
	"calmkit/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type CreateLogInput struct {
	Payload    json.RawMessage `json:"payload"`
	Ciphertext string          `json:"ciphertext"`
	KeyID      string          `json:"keyId"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	GetPassphrase(context.Context, string) (store.Passphrase, error)
	SavePassphrase(context.Context, store.Passphrase) error
	InsertLog(context.Context, store.LogRecord) error
	ListLogs(context.Context, string) ([]store.LogRecord, error)
	DeleteLog(context.Context, string, string) error
	Ping(ctx context.Context) error
}

type jobRunner interface {
	Start(job passphrase.Job, next *keymgr.Key, prior ...*keymgr.Key)
}

type Service struct {
	tokens  *auth.Signer
	store   dataStore
	auth    *authpw.Service
	tracker passphrase.Tracker
	runner  jobRunner
	master  *keymgr.Key
}

// New wires the service. cfg.MasterKey must hold 32 hex-encoded bytes.
func New(cfg config.Config, dataStore *store.PostgresStore, tracker passphrase.Tracker, runner *passphrase.Runner) (*Service, error) {
	master, err := parseMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		tokens:  auth.NewSigner(cfg.JWTSecret, cfg.AccessTTL),
		store:   dataStore,
		auth:    authpw.NewService(dataStore),
		tracker: tracker,
		runner:  runner,
		master:  master,
	}, nil
}

func parseMasterKey(value string) (*keymgr.Key, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	key, err := keymgr.NewKey(raw)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	return key, nil
}

func (s *Service) Register(ctx context.Context, username, email, password string) (Session, error) {
	user, err := s.auth.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	token, claims, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}

// UpdatePassphrase records the user's new passcode and starts re-encrypting
// their logs. It returns once the job is running; progress is read through
// PassphraseStatus.
func (s *Service) UpdatePassphrase(ctx context.Context, session Session, passcode, clientSalt string) (passphrase.Job, error) {
	if err := keymgr.ValidatePasscode(passcode); err != nil {
		return passphrase.Job{}, invalid("INVALID_PASSCODE", "Passcode must be exactly 4 digits")
	}
	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(clientSalt))
	if err != nil || len(salt) != keymgr.SaltSize {
		return passphrase.Job{}, invalid("INVALID_SALT", "clientSalt must be a base64 encoded 16 byte salt")
	}

	job, err := s.tracker.Begin(ctx, session.UserID)
	if err != nil {
		return passphrase.Job{}, err
	}

	next, prior, err := s.rotatePassphrase(ctx, session.UserID, passcode, salt)
	if err != nil {
		job.State = passphrase.StateFailed
		job.Message = "could not store the new passcode"
		if finishErr := s.tracker.Finish(context.WithoutCancel(ctx), job); finishErr != nil {
			log.Printf("passphrase: release job %s: %v", job.ID, finishErr)
		}
		return passphrase.Job{}, err
	}

	s.runner.Start(job, next, prior...)
	return job, nil
}

// rotatePassphrase stores the new sealed passcode and returns the key it
// derives together with every key that may have sealed existing logs.
func (s *Service) rotatePassphrase(ctx context.Context, userID, passcode string, salt []byte) (*keymgr.Key, []*keymgr.Key, error) {
	next, err := keymgr.DeriveKey(passcode, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("derive key: %w", err)
	}

	existing, err := s.store.GetPassphrase(ctx, userID)
	hasExisting := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("load passphrase: %w", err)
	}

	var prior []*keymgr.Key
	if hasExisting {
		current, err := s.unsealKey(existing.SealedPasscode, existing.Salt)
		if err != nil {
			return nil, nil, fmt.Errorf("open current passphrase: %w", err)
		}
		prior = append(prior, current)
		if existing.HasPrevious() {
			previous, err := s.unsealKey(existing.PreviousSealed, existing.PreviousSalt)
			if err != nil {
				return nil, nil, fmt.Errorf("open previous passphrase: %w", err)
			}
			prior = append(prior, previous)
		}
	}

	sealed, err := s.master.SealString([]byte(passcode))
	if err != nil {
		return nil, nil, fmt.Errorf("seal passcode: %w", err)
	}
	record := store.Passphrase{
		UserID:         userID,
		Salt:           salt,
		SealedPasscode: sealed,
		KeyID:          next.ID(),
	}
	switch {
	case hasExisting && existing.KeyID != next.ID():
		record.PreviousSalt = existing.Salt
		record.PreviousSealed = existing.SealedPasscode
		record.PreviousKeyID = existing.KeyID
	case hasExisting:
		record.PreviousSalt = existing.PreviousSalt
		record.PreviousSealed = existing.PreviousSealed
		record.PreviousKeyID = existing.PreviousKeyID
	}
	if err := s.store.SavePassphrase(ctx, record); err != nil {
		return nil, nil, err
	}
	return next, prior, nil
}

func (s *Service) unsealKey(sealed string, salt []byte) (*keymgr.Key, error) {
	passcode, err := s.master.OpenString(sealed)
	if err != nil {
		return nil, err
	}
	return keymgr.DeriveKey(string(passcode), salt)
}

// PassphraseStatus returns the user's latest job, or nil when there is none.
func (s *Service) PassphraseStatus(ctx context.Context, session Session) (*passphrase.Job, error) {
	return s.tracker.Latest(ctx, session.UserID)
}

func (s *Service) CreateLog(ctx context.Context, session Session, input CreateLogInput) (store.LogRecord, error) {
	hasPayload := len(input.Payload) > 0 && string(input.Payload) != "null"
	hasCiphertext := strings.TrimSpace(input.Ciphertext) != ""
	if hasPayload == hasCiphertext {
		return store.LogRecord{}, invalid("VALIDATION_ERROR", "Provide either payload or ciphertext")
	}

	job, err := s.tracker.Latest(ctx, session.UserID)
	if err != nil {
		return store.LogRecord{}, err
	}
	if job != nil && !job.State.Terminal() {
		return store.LogRecord{}, conflict("JOB_IN_FLIGHT", "Wait for the passcode change to finish")
	}

	record := store.LogRecord{
		ID:        util.NewID("log"),
		UserID:    session.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if hasPayload {
		if !json.Valid(input.Payload) {
			return store.LogRecord{}, invalid("VALIDATION_ERROR", "payload must be JSON")
		}
		record.Payload = input.Payload
	} else {
		current, err := s.store.GetPassphrase(ctx, session.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return store.LogRecord{}, conflict("NO_PASSPHRASE", "Set a passcode before writing encrypted logs")
		}
		if err != nil {
			return store.LogRecord{}, err
		}
		if input.KeyID != current.KeyID {
			return store.LogRecord{}, conflict("STALE_KEY", "Log was encrypted with an outdated passcode")
		}
		record.Ciphertext = strings.TrimSpace(input.Ciphertext)
		record.KeyID = input.KeyID
	}

	if err := s.store.InsertLog(ctx, record); err != nil {
		return store.LogRecord{}, err
	}
	return record, nil
}

func (s *Service) ListLogs(ctx context.Context, session Session) ([]store.LogRecord, error) {
	return s.store.ListLogs(ctx, session.UserID)
}

func (s *Service) DeleteLog(ctx context.Context, session Session, logID string) error {
	return s.store.DeleteLog(ctx, session.UserID, logID)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingJobs checks the job status store when it lives outside the process.
func (s *Service) PingJobs(ctx context.Context) error {
	if p, ok := s.tracker.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"calmkit/internal/store"
	"calmkit/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// ValidationError describes rejected sign-up input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// RegisterRequest contains sign-up parameters
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if username == "" || email == "" || req.Password == "" {
		return store.User{}, &ValidationError{Message: "username, email, and password are required"}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, &ValidationError{Message: "email is not valid"}
	}
	if len(req.Password) < 8 {
		return store.User{}, &ValidationError{Message: "password must be at least 8 characters"}
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return store.User{}, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login authenticates a user
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

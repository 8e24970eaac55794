package authpw

import (
	"context"
	"errors"
	"testing"

	"calmkit/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
	createErr  error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func newTestService(s UserStore) *Service {
	return NewService(s).WithCost(bcrypt.MinCost)
}

func TestRegisterAndLogin(t *testing.T) {
	users := newMockUserStore()
	svc := newTestService(users)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Username: "sam", Email: " Sam@Example.com ", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Email != "sam@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if user.PasswordHash == "correct-horse" {
		t.Fatal("password stored in plaintext")
	}

	got, err := svc.Login(ctx, "SAM@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("Login() user = %s, want %s", got.ID, user.ID)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc := newTestService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Username: "sam", Email: "sam@example.com", Password: "password1"}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	_, err := svc.Register(ctx, RegisterRequest{Username: "sam2", Email: "sam@example.com", Password: "password2"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("second Register() error = %v, want ErrEmailTaken", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{name: "missing username", req: RegisterRequest{Email: "a@b.co", Password: "password1"}},
		{name: "bad email", req: RegisterRequest{Username: "a", Email: "not-an-email", Password: "password1"}},
		{name: "short password", req: RegisterRequest{Username: "a", Email: "a@b.co", Password: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestService(newMockUserStore()).Register(context.Background(), tt.req)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("Register() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	users := newMockUserStore()
	svc := newTestService(users)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Username: "sam", Email: "sam@example.com", Password: "password1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := svc.Login(ctx, "sam@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() wrong password error = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() unknown user error = %v", err)
	}
}

func TestRegisterPropagatesStoreFailure(t *testing.T) {
	users := newMockUserStore()
	users.createErr = errors.New("db down")
	_, err := newTestService(users).Register(context.Background(), RegisterRequest{Username: "sam", Email: "sam@example.com", Password: "password1"})
	if err == nil || errors.Is(err, ErrEmailTaken) {
		t.Fatalf("Register() error = %v, want wrapped store error", err)
	}
}

package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"peridot/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	byUsername map[string]string
	byEmail    map[string]string
	createErr  error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if id, ok := m.byEmail[strings.ToLower(email)]; ok {
		return m.users[id], nil
	}
	return store.User{}, store.ErrUserNotFound
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if id, ok := m.byUsername[username]; ok {
		return m.users[id], nil
	}
	return store.User{}, store.ErrUserNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.users[user.ID] = user
	m.byUsername[user.Username] = user.ID
	m.byEmail[strings.ToLower(user.Email)] = user.ID
	return nil
}

func newTestService() (*Service, *mockUserStore) {
	users := newMockUserStore()
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestRegister(t *testing.T) {
	svc, users := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Username: " avery ", Email: "avery@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.ID == "" || user.Username != "avery" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "password123" {
		t.Error("password should be hashed")
	}
	if _, ok := users.users[user.ID]; !ok {
		t.Error("user should be stored")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"missing username", RegisterRequest{Email: "a@example.com", Password: "password123"}},
		{"bad email", RegisterRequest{Username: "a", Email: "not-an-email", Password: "password123"}},
		{"short password", RegisterRequest{Username: "a", Email: "a@example.com", Password: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tt.req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegisterDuplicates(t *testing.T) {
	svc, users := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Username: "avery", Email: "avery@example.com", Password: "password123"}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Username: "avery", Email: "new@example.com", Password: "password123"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Username: "blake", Email: "AVERY@example.com", Password: "password123"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	users.createErr = store.ErrUserExists
	if _, err := svc.Register(ctx, RegisterRequest{Username: "casey", Email: "casey@example.com", Password: "password123"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected race to map to ErrUsernameTaken, got %v", err)
	}
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterRequest{Username: "avery", Email: "avery@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, identifier := range []string{"avery", "avery@example.com"} {
		user, err := svc.SignIn(ctx, SignInRequest{Identifier: identifier, Password: "password123"})
		if err != nil {
			t.Fatalf("SignIn(%q) failed: %v", identifier, err)
		}
		if user.ID != registered.ID {
			t.Errorf("SignIn(%q) returned user %s, want %s", identifier, user.ID, registered.ID)
		}
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Identifier: "avery", Password: "wrongpassword"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Identifier: "nobody", Password: "password123"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Identifier: "", Password: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty request, got %v", err)
	}
}

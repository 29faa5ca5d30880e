// Package authpw provides username/email and password accounts.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"peridot/api/internal/store"
	"peridot/api/internal/util"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailTaken         = errors.New("email already registered")
)

// Service provides registration and sign-in
type Service struct {
	store    UserStore
	validate *validator.Validate
	cost     int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// NewService creates a new auth service
func NewService(users UserStore) *Service {
	return &Service{
		store:    users,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cost:     bcrypt.DefaultCost,
	}
}

// RegisterRequest contains sign-up parameters
type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=150"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// Register creates a new account. The store creates the user's storage
// ledger entry in the same step.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return store.User{}, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}

	if _, err := s.store.GetUserByUsername(ctx, req.Username); err == nil {
		return store.User{}, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, fmt.Errorf("lookup username: %w", err)
	}
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID(""),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignInRequest identifies the account by username or email.
type SignInRequest struct {
	Identifier string
	Password   string
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Password == "" {
		return store.User{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	user, err := s.store.GetUserByUsername(ctx, identifier)
	if errors.Is(err, store.ErrUserNotFound) && strings.Contains(identifier, "@") {
		user, err = s.store.GetUserByEmail(ctx, identifier)
	}
	if errors.Is(err, store.ErrUserNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, strings.ToLower(fe.Field())+" is invalid ("+fe.Tag()+")")
	}
	return strings.Join(parts, ", ")
}

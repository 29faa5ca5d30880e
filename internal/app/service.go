package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"peridot/api/internal/auth"
	"peridot/api/internal/authpw"
	"peridot/api/internal/config"
	"peridot/api/internal/notes"
	"peridot/api/internal/store"
	"peridot/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	User         store.User
	JTI          string
	ExpiresAt    time.Time
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func viewUser(u store.User) userView {
	return userView{ID: u.ID, Username: u.Username, Email: u.Email}
}

// SessionStore keeps refresh sessions and revoked access token ids.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// DataStore is the primary account store.
type DataStore interface {
	authpw.UserStore
	SessionStore
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UserExists(ctx context.Context, userID string) (bool, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    DataStore
	sessions SessionStore
	signer   *auth.Signer
	accounts *authpw.Service
	notes    *notes.Service
	logger   *slog.Logger
}

func New(cfg config.Config, data DataStore, noteService *notes.Service, logger *slog.Logger) *Service {
	return NewWithSessionStore(cfg, data, data, noteService, logger)
}

// NewWithSessionStore keeps refresh sessions and token revocations in
// sessions instead of the primary store.
func NewWithSessionStore(cfg config.Config, data DataStore, sessions SessionStore, noteService *notes.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		signer:   auth.NewSigner(cfg.JWTSecret, cfg.AccessTTL),
		accounts: authpw.NewService(data),
		notes:    noteService,
		logger:   logger,
	}
}

func (s *Service) Notes() *notes.Service {
	return s.notes
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error) {
	user, err := s.accounts.Register(ctx, req)
	if err != nil {
		return store.User{}, err
	}
	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// Login checks the credentials, makes sure the storage ledger entry exists
// and issues a token pair.
func (s *Service) Login(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.notes.Storage(ctx, user.ID); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, store.ErrSessionInvalid
	}
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, claims, err := s.signer.Issue(user.ID, user.Username)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		User:         user,
		JTI:          claims.JTI,
		ExpiresAt:    claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		User:      user,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// Logout revokes whatever it is given. Revocation failures are logged and
// never reported to the client.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.WarnContext(ctx, "revoke access token failed", "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.WarnContext(ctx, "revoke refresh session failed", "error", err)
		}
	}
}

// Exists reports whether ownerID names a registered account.
func (s *Service) Exists(ctx context.Context, ownerID string) (bool, error) {
	return s.store.UserExists(ctx, ownerID)
}

// Subject resolves a live, unrevoked access token to its user id.
func (s *Service) Subject(ctx context.Context, token string) (string, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", auth.ErrInvalidToken
		}
		return "", err
	}
	return session.User.ID, nil
}

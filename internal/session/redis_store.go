// Package session provides session storage backends for refresh tokens
// and revoked access tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peridot/api/internal/store"
)

// refreshPayload is the value kept under a refresh token hash. The account
// itself stays in the primary store.
type refreshPayload struct {
	UserID string `json:"user_id"`
}

// RedisStore keeps refresh sessions and revoked access token ids in Redis.
// Both kinds of key expire with the credential they describe.
type RedisStore struct {
	client        *redis.Client
	prefix        string
	revokedPrefix string
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		prefix:        "refresh:",
		revokedPrefix: "revoked:",
	}
}

// Client exposes the underlying connection so fan-out can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveRefreshSession stores the session until expiresAt. A session that has
// already expired is not stored.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(refreshPayload{UserID: userID})
	if err != nil {
		return fmt.Errorf("marshal refresh session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the owning user. Only the ID is populated;
// callers load the rest of the account from the primary store.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, store.ErrSessionInvalid
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var payload refreshPayload
	if err := json.Unmarshal([]byte(jsonData), &payload); err != nil || payload.UserID == "" {
		return store.User{}, store.ErrSessionInvalid
	}
	return store.User{ID: payload.UserID}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAccessToken marks an access token id as revoked until it would
// have expired anyway.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.revokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

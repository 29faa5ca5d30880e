package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Signer issues and verifies access tokens for one secret and lifetime.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a fresh access token for the user.
func (s *Signer) Issue(userID, username string) (string, Claims, error) {
	claims := Claims{
		Sub:  userID,
		Name: username,
		JTI:  uuid.NewString(),
		Exp:  s.now().Add(s.ttl).Unix(),
	}
	token, err := IssueToken(s.secret, claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func (s *Signer) Parse(token string) (Claims, error) {
	return parseAt(s.secret, token, s.now())
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	return parseAt(secret, token, time.Now())
}

func parseAt(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// HashToken is the storage key for a refresh token.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "avery" || claims.JTI != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub: "user-1",
		JTI: "jti-1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	signer := NewSigner("secret", time.Hour)
	token, _, err := signer.Issue("user-1", "avery")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other := NewSigner("different", time.Hour)
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret error = %v", err)
	}

	payload, sig, _ := strings.Cut(token, ".")
	for _, bad := range []string{"", payload, payload + "." + sig + ".x", "x" + payload + "." + sig} {
		if _, err := signer.Parse(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Parse(%q) error = %v, want ErrInvalidToken", bad, err)
		}
	}
}

func TestSignerSetsExpiryAndUniqueIDs(t *testing.T) {
	signer := NewSigner("secret", 10*time.Minute)
	fixed := time.Unix(1_700_000_000, 0)
	signer.now = func() time.Time { return fixed }

	_, first, err := signer.Issue("user-1", "avery")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	_, second, _ := signer.Issue("user-1", "avery")
	if first.JTI == second.JTI {
		t.Fatal("expected distinct token ids")
	}
	if !first.ExpiresAt().Equal(fixed.Add(10 * time.Minute)) {
		t.Fatalf("ExpiresAt() = %v", first.ExpiresAt())
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") || HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken must be deterministic and distinguish inputs")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("unexpected hash length %d", len(HashToken("abc")))
	}
}

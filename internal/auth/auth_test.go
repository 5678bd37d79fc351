package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestTokenAuthIssueValidateRoundTrip(t *testing.T) {
	ta, err := NewTokenAuth(testKey())
	if err != nil {
		t.Fatalf("NewTokenAuth: %v", err)
	}

	uid := uuid.New()
	token, _, err := ta.Issue(uid, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := ta.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != uid {
		t.Fatalf("expected uid %s, got %s", uid, got)
	}
}

func TestTokenAuthRejectsExpiredToken(t *testing.T) {
	ta, _ := NewTokenAuth(testKey())
	token, _, err := ta.Issue(uuid.New(), -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ta.Validate(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestTokenAuthRejectsTamperedSignature(t *testing.T) {
	ta, _ := NewTokenAuth(testKey())
	token, _, err := ta.Issue(uuid.New(), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tampered := []byte(token)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}
	if _, err := ta.Validate(string(tampered)); err == nil {
		t.Fatal("expected an error for a tampered token")
	}
}

func TestTokenAuthRejectsMalformedToken(t *testing.T) {
	ta, _ := NewTokenAuth(testKey())
	if _, err := ta.Validate("not-a-real-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNewTokenAuthRejectsShortKey(t *testing.T) {
	if _, err := NewTokenAuth([]byte("short")); err == nil {
		t.Fatal("expected an error for a too-short signing key")
	}
}

func TestSecretHasherRoundTrip(t *testing.T) {
	h := NewSecretHasher()
	secret := []byte("correct horse battery staple")

	digest, err := h.Hash(secret)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !h.Verify(digest, secret) {
		t.Fatal("expected Verify to succeed for the matching secret")
	}
	if h.Verify(digest, []byte("wrong secret")) {
		t.Fatal("expected Verify to fail for a non-matching secret")
	}
}

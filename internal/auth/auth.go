// Package auth implements the authentication collaborator: validating an
// opaque bearer token into a (user id, username) identity. The wire format
// here is a reference implementation; the hub only depends on the
// Authenticator interface.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors surfaced to the upgrade handler as HTTP 401.
var (
	ErrMalformed = errors.New("auth: malformed token")
	ErrExpired   = errors.New("auth: token expired")
	ErrInvalid   = errors.New("auth: invalid signature")
)

// Identity is what a validated token resolves to.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// Authenticator validates an opaque bearer token string.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Token layout: [16:uid][4:expires unix][32:hmac-sha256] base64url-encoded,
// generalized from the teacher's fixed-width binary token scheme
// (server/auth_token.go) to a 16-byte UUID instead of an 8-byte snowflake id.
const (
	uidLen     = 16
	expiresLen = 4
	sigLen     = sha256.Size
	tokenLen   = uidLen + expiresLen + sigLen
)

// TokenAuth is an HMAC-signed bearer token authenticator. It does not
// resolve usernames itself — callers (e.g. the upgrade handler) pair it
// with store.Store.GetUser to complete the Identity.
type TokenAuth struct {
	salt []byte
}

// NewTokenAuth builds a TokenAuth from a signing key. The key is expected
// to come from configuration, already decoded.
func NewTokenAuth(key []byte) (*TokenAuth, error) {
	if len(key) < sha256.Size {
		return nil, errors.New("auth: signing key too short")
	}
	return &TokenAuth{salt: key}, nil
}

// Issue mints a token for uid valid for ttl.
func (t *TokenAuth) Issue(uid uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	expires := time.Now().Add(ttl).UTC()

	buf := new(bytes.Buffer)
	idBytes, err := uid.MarshalBinary()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: marshal uid: %w", err)
	}
	buf.Write(idBytes)
	binary.Write(buf, binary.LittleEndian, uint32(expires.Unix()))

	mac := hmac.New(sha256.New, t.salt)
	mac.Write(buf.Bytes())
	buf.Write(mac.Sum(nil))

	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf.Bytes()), expires, nil
}

// Validate checks a token's signature and expiry and extracts the uid.
func (t *TokenAuth) Validate(token string) (uuid.UUID, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return uuid.Nil, ErrMalformed
	}

	signed, sig := raw[:uidLen+expiresLen], raw[uidLen+expiresLen:]
	mac := hmac.New(sha256.New, t.salt)
	mac.Write(signed)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return uuid.Nil, ErrInvalid
	}

	var uid uuid.UUID
	if err := uid.UnmarshalBinary(raw[:uidLen]); err != nil {
		return uuid.Nil, ErrMalformed
	}

	expires := time.Unix(int64(binary.LittleEndian.Uint32(raw[uidLen:uidLen+expiresLen])), 0)
	if time.Now().After(expires) {
		return uuid.Nil, ErrExpired
	}

	return uid, nil
}

// SecretHasher hashes a long-lived secret (e.g. a refresh token or device
// pairing secret) that backs issuance of short-lived bearer tokens. Kept
// separate from the signing path so bcrypt's cost stays off the hot
// connection path.
type SecretHasher struct {
	cost int
}

// NewSecretHasher returns a hasher at bcrypt.DefaultCost.
func NewSecretHasher() *SecretHasher {
	return &SecretHasher{cost: bcrypt.DefaultCost}
}

// Hash produces a bcrypt digest of secret.
func (h *SecretHasher) Hash(secret []byte) ([]byte, error) {
	return bcrypt.GenerateFromPassword(secret, h.cost)
}

// Verify reports whether secret matches digest.
func (h *SecretHasher) Verify(digest, secret []byte) bool {
	return bcrypt.CompareHashAndPassword(digest, secret) == nil
}

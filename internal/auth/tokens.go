// Package auth issues and verifies the signed bearer tokens API callers
// present. A token is "wtk_<ownerId>.<hmac>": self-contained, stateless,
// verified against the deployment's token secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
)

// TokenPrefix marks Preview-Warden API tokens.
const TokenPrefix = "wtk_"

// ErrNoSecret means the signer was built without a token secret.
var ErrNoSecret = errors.New("token secret is not configured")

// Signer mints and verifies owner-scoped API tokens.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. An empty secret disables authentication:
// Verify then accepts any request as the anonymous owner.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return &Signer{}
	}
	return &Signer{secret: []byte(secret)}
}

// Enabled reports whether tokens are being enforced.
func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

// Sign mints a token for an owner.
func (s *Signer) Sign(ownerID string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}
	encoded := base64.RawURLEncoding.EncodeToString([]byte(ownerID))
	return TokenPrefix + encoded + "." + s.mac(encoded), nil
}

// Verify checks a token and returns the owner it was minted for. With
// authentication disabled every token (including none) maps to the
// anonymous owner.
func (s *Signer) Verify(token string) (string, error) {
	if !s.Enabled() {
		return "anonymous", nil
	}

	body, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return "", preview.ErrUnauthorized
	}
	encoded, sig, ok := strings.Cut(body, ".")
	if !ok {
		return "", preview.ErrUnauthorized
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(encoded))) {
		return "", preview.ErrUnauthorized
	}

	ownerID, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(ownerID) == 0 {
		return "", preview.ErrUnauthorized
	}
	return string(ownerID), nil
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// generatePKCE returns a fresh verifier/challenge pair. The verifier is
// 32 random bytes base64url-encoded; the challenge is its SHA-256 digest.
func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, errRand := rand.Read(raw); errRand != nil {
		return "", "", fmt.Errorf("oauth: pkce verifier: %w", errRand)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// newState returns an opaque state parameter for the handshake.
func newState() (string, error) {
	raw := make([]byte, 32)
	if _, errRand := rand.Read(raw); errRand != nil {
		return "", fmt.Errorf("oauth: state: %w", errRand)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPayload is the at-rest envelope written into the account row.
type sealedPayload struct {
	Version int    `json:"v"`     // Envelope version, currently 1.
	Nonce   string `json:"nonce"` // Base64 AEAD nonce.
	Data    string `json:"data"`  // Base64 ciphertext.
}

// Box seals and opens credential payloads with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// NewBox derives a sealing box from the configured key string.
// Any non-empty string is accepted; the key is stretched with SHA-256.
func NewBox(key string) (*Box, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("credentials: empty encryption key")
	}
	sum := sha256.Sum256([]byte(key))
	return &Box{key: sum[:]}, nil
}

// Seal encodes and encrypts credentials into the at-rest envelope.
func (b *Box) Seal(c *Credentials) ([]byte, error) {
	if b == nil || len(b.key) == 0 {
		return nil, fmt.Errorf("credentials: box not initialized")
	}
	plaintext, errEncode := Encode(c)
	if errEncode != nil {
		return nil, errEncode
	}

	aead, errAEAD := chacha20poly1305.NewX(b.key)
	if errAEAD != nil {
		return nil, fmt.Errorf("credentials: aead init: %w", errAEAD)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, errRand := rand.Read(nonce); errRand != nil {
		return nil, fmt.Errorf("credentials: nonce: %w", errRand)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	envelope := sealedPayload{
		Version: 1,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(ciphertext),
	}
	data, errMarshal := json.Marshal(envelope)
	if errMarshal != nil {
		return nil, fmt.Errorf("credentials: marshal envelope: %w", errMarshal)
	}
	return data, nil
}

// Open decrypts the at-rest envelope and decodes the credentials.
func (b *Box) Open(data []byte) (*Credentials, error) {
	if b == nil || len(b.key) == 0 {
		return nil, fmt.Errorf("credentials: box not initialized")
	}
	var envelope sealedPayload
	if errUnmarshal := json.Unmarshal(data, &envelope); errUnmarshal != nil {
		return nil, fmt.Errorf("credentials: unmarshal envelope: %w", errUnmarshal)
	}
	if envelope.Version != 1 {
		return nil, fmt.Errorf("credentials: unsupported envelope version %d", envelope.Version)
	}
	nonce, errNonce := base64.StdEncoding.DecodeString(envelope.Nonce)
	if errNonce != nil {
		return nil, fmt.Errorf("credentials: decode nonce: %w", errNonce)
	}
	ciphertext, errData := base64.StdEncoding.DecodeString(envelope.Data)
	if errData != nil {
		return nil, fmt.Errorf("credentials: decode data: %w", errData)
	}

	aead, errAEAD := chacha20poly1305.NewX(b.key)
	if errAEAD != nil {
		return nil, fmt.Errorf("credentials: aead init: %w", errAEAD)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("credentials: bad nonce length %d", len(nonce))
	}
	plaintext, errOpen := aead.Open(nil, nonce, ciphertext, nil)
	if errOpen != nil {
		return nil, fmt.Errorf("credentials: open: %w", errOpen)
	}
	return Decode(plaintext)
}

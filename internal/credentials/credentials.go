// Package credentials defines the typed payloads stored on an account
// and the sealing that protects them at rest.
package credentials

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential type tags, matching the account type column.
const (
	TypeAPIKey = "api_key"
	TypeOAuth  = "oauth"
)

// APIKey holds a provider API key credential.
type APIKey struct {
	Key     string `json:"key"`                // Provider API key.
	BaseURL string `json:"base_url,omitempty"` // Optional endpoint override.
}

// OAuth holds an OAuth token pair.
type OAuth struct {
	AccessToken  string   `json:"access_token"`     // Bearer token for upstream calls.
	RefreshToken string   `json:"refresh_token"`    // Token used to mint new access tokens.
	ExpiresAt    int64    `json:"expires_at"`       // Access token expiry, unix milliseconds.
	Scopes       []string `json:"scopes,omitempty"` // Granted scopes.
}

// ExpiresIn returns the time remaining before the access token expires.
func (o *OAuth) ExpiresIn(now time.Time) time.Duration {
	if o == nil {
		return 0
	}
	return time.UnixMilli(o.ExpiresAt).Sub(now)
}

// Credentials is the tagged union persisted on an account row.
// Exactly one of APIKey and OAuth is set, matching Type.
type Credentials struct {
	Type   string  `json:"type"`
	APIKey *APIKey `json:"api_key,omitempty"`
	OAuth  *OAuth  `json:"oauth,omitempty"`
}

// Encode serializes credentials to JSON after validating the union.
func Encode(c *Credentials) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("credentials: nil value")
	}
	switch c.Type {
	case TypeAPIKey:
		if c.APIKey == nil || strings.TrimSpace(c.APIKey.Key) == "" {
			return nil, fmt.Errorf("credentials: api_key payload missing key")
		}
	case TypeOAuth:
		if c.OAuth == nil || strings.TrimSpace(c.OAuth.AccessToken) == "" {
			return nil, fmt.Errorf("credentials: oauth payload missing access token")
		}
	default:
		return nil, fmt.Errorf("credentials: unknown type %q", c.Type)
	}
	data, errMarshal := json.Marshal(c)
	if errMarshal != nil {
		return nil, fmt.Errorf("credentials: marshal: %w", errMarshal)
	}
	return data, nil
}

// Decode parses credentials from JSON and rejects unknown types.
func Decode(data []byte) (*Credentials, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("credentials: empty payload")
	}
	var c Credentials
	if errUnmarshal := json.Unmarshal(data, &c); errUnmarshal != nil {
		return nil, fmt.Errorf("credentials: unmarshal: %w", errUnmarshal)
	}
	switch c.Type {
	case TypeAPIKey:
		if c.APIKey == nil {
			return nil, fmt.Errorf("credentials: api_key payload missing")
		}
	case TypeOAuth:
		if c.OAuth == nil {
			return nil, fmt.Errorf("credentials: oauth payload missing")
		}
	default:
		return nil, fmt.Errorf("credentials: unknown type %q", c.Type)
	}
	return &c, nil
}

package models

import "time"

// OAuthSession stores a pending PKCE handshake. Single-use, short-lived.
type OAuthSession struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement"`       // Primary key.
	State string `gorm:"type:text;not null;uniqueIndex"` // Opaque state parameter.

	CodeVerifier  string `gorm:"type:text;not null"` // PKCE verifier, released at exchange time.
	CodeChallenge string `gorm:"type:text;not null"` // SHA-256 challenge sent upstream.
	Provider      string `gorm:"type:text;not null"` // Provider name, currently anthropic.

	AccountID string `gorm:"type:text"` // Target account when re-authorizing.
	UserID    uint64 `gorm:"default:0"` // Initiating user.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	ExpiresAt time.Time `gorm:"not null;index"`          // Expiry, sessions past this are purged.
}

// TableName pins the table name; the default naming strategy would
// split the acronym into o_auth_sessions.
func (OAuthSession) TableName() string {
	return "oauth_sessions"
}

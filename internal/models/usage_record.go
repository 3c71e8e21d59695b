package models

import "time"

// UsageRecord stores one relayed request's token and cost telemetry.
type UsageRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`       // Primary key.
	RequestID string `gorm:"type:text;not null;uniqueIndex"` // Logical request id, dedupe key.

	APIKeyID  uint64  `gorm:"not null;index;default:0"` // Caller API key.
	AccountID *string `gorm:"type:text;index"`          // Upstream account, nil when selection failed.

	Model      string `gorm:"type:text;index"` // Upstream model name.
	StatusCode int    `gorm:"not null"`        // HTTP status returned to the caller.

	InputTokens         int64 `gorm:"not null;default:0"` // Prompt tokens.
	OutputTokens        int64 `gorm:"not null;default:0"` // Completion tokens.
	CacheCreationTokens int64 `gorm:"not null;default:0"` // Cache write tokens.
	CacheReadTokens     int64 `gorm:"not null;default:0"` // Cache read tokens.

	Cost           float64 `gorm:"not null;default:0"` // USD cost for this request.
	ResponseTimeMs int64   `gorm:"not null;default:0"` // Wall time in milliseconds.
	Stream         bool    `gorm:"not null;default:false"` // Whether the response was streamed.

	ErrorMessage string `gorm:"type:text"` // Failure detail, empty on success.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}

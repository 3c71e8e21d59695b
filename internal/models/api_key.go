package models

import "time"

// APIKey stores a caller-facing relay key.
type APIKey struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`       // Primary key.
	Key  string `gorm:"type:text;not null;uniqueIndex"` // Bearer value presented by callers.
	Name string `gorm:"type:text"`                      // Display name.

	UserID uint64 `gorm:"not null;index;default:0"` // Owning user.

	IsActive  bool `gorm:"not null;default:true"` // Disabled keys are rejected.
	RateLimit int  `gorm:"not null;default:0"`    // Requests per minute, 0 disables.

	LastUsedAt *time.Time `gorm:""` // Last authenticated use.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

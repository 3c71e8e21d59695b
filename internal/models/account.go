package models

import (
	"time"

	"gorm.io/datatypes"
)

// Account type values.
const (
	AccountTypeAPIKey = "api_key"
	AccountTypeOAuth  = "oauth"
)

// Account status values.
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
	AccountStatusError    = "error"
)

// Account stores an upstream provider account and its sealed credentials.
type Account struct {
	ID     string `gorm:"type:text;primaryKey"`     // UUID primary key.
	UserID uint64 `gorm:"not null;index;default:0"` // Owning user.
	Name   string `gorm:"type:text;not null"`       // Display name.

	Type   string `gorm:"type:text;not null;index"`                 // api_key or oauth.
	Status string `gorm:"type:text;not null;default:active;index"`  // active, inactive or error.

	Credentials datatypes.JSON `gorm:"type:jsonb;not null"` // Sealed credential payload.

	Priority int `gorm:"not null;default:1"`   // Selection tier, lower wins.
	Weight   int `gorm:"not null;default:100"` // Relative weight inside a tier.

	RequestCount int64 `gorm:"not null;default:0"` // Total requests routed here.
	SuccessCount int64 `gorm:"not null;default:0"` // Successful requests.
	ErrorCount   int64 `gorm:"not null;default:0"` // Failed requests.

	TransientFailures int `gorm:"not null;default:0"` // Consecutive transient health failures.

	LastUsedAt      *time.Time     `gorm:""`             // Last time the selector picked this account.
	LastHealthCheck *time.Time     `gorm:""`             // Last health check time.
	HealthStatus    datatypes.JSON `gorm:"type:jsonb"`   // Last health check result.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Package ratelimit enforces per-API-key request quotas with a Redis
// fixed window and an in-memory fallback.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window counter over one-minute windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// Settings is the runtime limiter configuration.
type Settings struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// SettingsProvider returns the current limiter settings.
type SettingsProvider func() Settings

// KeyForAPIKey builds the counter key for one API key.
func KeyForAPIKey(apiKeyID uint64) string {
	return fmt.Sprintf("k:%d", apiKeyID)
}

// windowStart truncates now to the enclosing one-minute window.
func windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute)
}

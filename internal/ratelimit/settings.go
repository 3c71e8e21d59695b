package ratelimit

import "github.com/relayops/claude-relay/internal/config"

// ProviderFromConfig adapts the static relay configuration into a
// SettingsProvider.
func ProviderFromConfig(cfg config.RateLimitConfig) SettingsProvider {
	settings := Settings{
		Enabled:       cfg.Enabled,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   cfg.RedisPrefix,
	}
	return func() Settings { return settings }
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// After a Redis failure, skip Redis entirely for this long.
const redisBreakerDuration = 30 * time.Second

// RedisClientFactory builds a Redis client from limiter settings. Tests
// swap this out; production uses the default below.
type RedisClientFactory func(settings Settings) redis.UniversalClient

func defaultRedisClient(settings Settings) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     settings.RedisAddr,
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
	})
}

// Manager picks the Redis limiter when configured and healthy, and
// falls back to the in-memory limiter otherwise. A short breaker stops
// every request from paying a Redis timeout when Redis is down.
type Manager struct {
	provider       SettingsProvider
	nowFn          func() time.Time
	memoryLimiter  *MemoryLimiter
	newRedisClient RedisClientFactory

	mu           sync.Mutex
	redisLimiter *RedisLimiter
	redisCfg     Settings
	breakerUntil time.Time
}

// NewManager constructs a limiter manager.
func NewManager(provider SettingsProvider) *Manager {
	return &Manager{
		provider:       provider,
		nowFn:          time.Now,
		memoryLimiter:  NewMemoryLimiter(),
		newRedisClient: defaultRedisClient,
	}
}

// WithRedisClientFactory overrides how Redis clients are constructed.
func (m *Manager) WithRedisClientFactory(factory RedisClientFactory) *Manager {
	if factory != nil {
		m.newRedisClient = factory
	}
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(nowFn func() time.Time) *Manager {
	if nowFn != nil {
		m.nowFn = nowFn
	}
	return m
}

// Allow checks one request against the key's limit. A limit of zero or
// below disables limiting for the key, as does an empty key.
func (m *Manager) Allow(ctx context.Context, key string, limit int) Result {
	if m == nil || limit <= 0 || key == "" {
		return Result{Allowed: true, Limit: limit}
	}

	settings := m.settings()
	now := m.nowFn()

	if settings.Enabled && settings.RedisAddr != "" {
		if result, ok := m.allowRedis(ctx, settings, key, limit, now); ok {
			return result
		}
	}

	result, errMemory := m.memoryLimiter.Allow(ctx, key, limit, now)
	if errMemory != nil {
		// Memory limiter cannot actually fail; fail open if it ever does.
		log.WithError(errMemory).Warn("ratelimit: memory limiter error")
		return Result{Allowed: true, Limit: limit}
	}
	return result
}

func (m *Manager) settings() Settings {
	if m.provider == nil {
		return Settings{}
	}
	return m.provider()
}

func (m *Manager) allowRedis(ctx context.Context, settings Settings, key string, limit int, now time.Time) (Result, bool) {
	limiter := m.ensureRedis(settings, now)
	if limiter == nil {
		return Result{}, false
	}

	result, errAllow := limiter.Allow(ctx, key, limit, now)
	if errAllow != nil {
		log.WithError(errAllow).Warn("ratelimit: redis unavailable, falling back to memory")
		m.mu.Lock()
		m.breakerUntil = now.Add(redisBreakerDuration)
		m.mu.Unlock()
		return Result{}, false
	}
	return result, true
}

// ensureRedis returns the current Redis limiter, rebuilding the client
// when settings change and respecting the failure breaker.
func (m *Manager) ensureRedis(settings Settings, now time.Time) *RedisLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Before(m.breakerUntil) {
		return nil
	}

	if m.redisLimiter != nil && m.redisCfg == settings {
		return m.redisLimiter
	}

	client := m.newRedisClient(settings)
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).Warn("ratelimit: redis ping failed")
		_ = client.Close()
		m.breakerUntil = now.Add(redisBreakerDuration)
		return nil
	}

	m.redisLimiter = NewRedisLimiter(client, settings.RedisPrefix)
	m.redisCfg = settings
	return m.redisLimiter
}

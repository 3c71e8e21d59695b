package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	window time.Time
	count  int
}

// MemoryLimiter is a process-local fixed-window counter. It backs the
// Redis limiter when Redis is unreachable, so limits stay enforced per
// instance rather than not at all.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryLimiter constructs an in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{entries: make(map[string]*memoryEntry)}
}

// Allow counts one request against the key's current minute window.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	window := windowStart(now)
	resetAt := window.Add(time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || !entry.window.Equal(window) {
		entry = &memoryEntry{window: window}
		m.entries[key] = entry
	}
	if entry.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	entry.count++

	// Opportunistic cleanup keeps the map from growing unbounded.
	if len(m.entries) > 4096 {
		for staleKey, staleEntry := range m.entries {
			if staleEntry.window.Before(window) {
				delete(m.entries, staleKey)
			}
		}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - entry.count, ResetAt: resetAt}, nil
}

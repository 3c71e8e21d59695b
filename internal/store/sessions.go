package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/relayops/claude-relay/internal/models"
)

// ErrSessionNotFound is returned when a state has no live session.
var ErrSessionNotFound = errors.New("store: oauth session not found")

// SessionStore persists pending PKCE handshakes.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a pending session.
func (s *SessionStore) Create(ctx context.Context, session *models.OAuthSession) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store: not initialized")
	}
	if session == nil {
		return fmt.Errorf("session store: nil session")
	}
	if errCreate := s.db.WithContext(ctx).Create(session).Error; errCreate != nil {
		return fmt.Errorf("session store: create: %w", errCreate)
	}
	return nil
}

// Consume looks up a live session by state and deletes it, so a code
// exchange can only happen once per handshake. Expired sessions are
// treated as missing.
func (s *SessionStore) Consume(ctx context.Context, state string) (*models.OAuthSession, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("session store: not initialized")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return nil, ErrSessionNotFound
	}

	var session models.OAuthSession
	errFind := s.db.WithContext(ctx).Where("state = ?", state).First(&session).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("session store: find: %w", errFind)
	}

	if errDelete := s.db.WithContext(ctx).Where("id = ?", session.ID).Delete(&models.OAuthSession{}).Error; errDelete != nil {
		return nil, fmt.Errorf("session store: consume: %w", errDelete)
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// PurgeExpired deletes sessions past their expiry.
func (s *SessionStore) PurgeExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store: not initialized")
	}
	errDelete := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&models.OAuthSession{}).Error
	if errDelete != nil {
		return fmt.Errorf("session store: purge expired: %w", errDelete)
	}
	return nil
}

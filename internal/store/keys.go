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

// ErrAPIKeyNotFound is returned when no active API key matches.
var ErrAPIKeyNotFound = errors.New("store: api key not found")

// APIKeyStore resolves caller API keys.
type APIKeyStore struct {
	db *gorm.DB
}

// NewAPIKeyStore constructs an APIKeyStore.
func NewAPIKeyStore(db *gorm.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// Resolve looks up an active API key by its bearer value.
func (s *APIKeyStore) Resolve(ctx context.Context, key string) (*models.APIKey, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("api key store: not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrAPIKeyNotFound
	}

	var row models.APIKey
	errFind := s.db.WithContext(ctx).Where("key = ? AND is_active = ?", key, true).First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("api key store: resolve: %w", errFind)
	}
	return &row, nil
}

// Touch records the last authenticated use of a key. Failures are not
// fatal to the request path.
func (s *APIKeyStore) Touch(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("api key store: not initialized")
	}
	return s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).
		Update("last_used_at", time.Now().UTC()).Error
}

// Create inserts a new API key row.
func (s *APIKeyStore) Create(ctx context.Context, row *models.APIKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("api key store: not initialized")
	}
	if row == nil {
		return fmt.Errorf("api key store: nil row")
	}
	if errCreate := s.db.WithContext(ctx).Create(row).Error; errCreate != nil {
		return fmt.Errorf("api key store: create: %w", errCreate)
	}
	return nil
}

// Package store persists accounts, API keys and OAuth sessions via GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/relayops/claude-relay/internal/models"
)

// ErrAccountNotFound is returned when no account row matches the id.
var ErrAccountNotFound = errors.New("store: account not found")

// AccountStore reads and writes upstream account rows.
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore constructs an AccountStore.
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Get loads one account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("account store: not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("account store: empty id")
	}

	var account models.Account
	errFind := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("account store: get: %w", errFind)
	}
	return &account, nil
}

// ListActive returns active accounts for a user and account type,
// ordered by priority then id for a stable snapshot.
func (s *AccountStore) ListActive(ctx context.Context, userID uint64, accountType string) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("account store: not initialized")
	}

	query := s.db.WithContext(ctx).Where("status = ?", models.AccountStatusActive)
	if userID != 0 {
		query = query.Where("user_id = ?", userID)
	}
	if strings.TrimSpace(accountType) != "" {
		query = query.Where("type = ?", accountType)
	}

	var accounts []models.Account
	if errFind := query.Order("priority ASC, id ASC").Find(&accounts).Error; errFind != nil {
		return nil, fmt.Errorf("account store: list active: %w", errFind)
	}
	return accounts, nil
}

// ListOAuth returns all OAuth accounts regardless of status, for the
// refresh sweep. Inactive accounts are skipped; errored ones are kept so
// a successful refresh can recover them.
func (s *AccountStore) ListOAuth(ctx context.Context) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("account store: not initialized")
	}

	var accounts []models.Account
	errFind := s.db.WithContext(ctx).
		Where("type = ?", models.AccountTypeOAuth).
		Where("status <> ?", models.AccountStatusInactive).
		Order("id ASC").
		Find(&accounts).Error
	if errFind != nil {
		return nil, fmt.Errorf("account store: list oauth: %w", errFind)
	}
	return accounts, nil
}

// ListCheckable returns every account the health sweep should visit,
// which is everything except explicitly deactivated accounts.
func (s *AccountStore) ListCheckable(ctx context.Context) ([]models.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("account store: not initialized")
	}

	var accounts []models.Account
	errFind := s.db.WithContext(ctx).
		Where("status <> ?", models.AccountStatusInactive).
		Order("id ASC").
		Find(&accounts).Error
	if errFind != nil {
		return nil, fmt.Errorf("account store: list checkable: %w", errFind)
	}
	return accounts, nil
}

// Create inserts a new account row, assigning a UUID when absent.
func (s *AccountStore) Create(ctx context.Context, account *models.Account) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("account store: not initialized")
	}
	if account == nil {
		return fmt.Errorf("account store: nil account")
	}
	if strings.TrimSpace(account.ID) == "" {
		account.ID = uuid.NewString()
	}
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}
	if account.Priority == 0 {
		account.Priority = 1
	}
	if account.Weight == 0 {
		account.Weight = 100
	}
	if errCreate := s.db.WithContext(ctx).Create(account).Error; errCreate != nil {
		return fmt.Errorf("account store: create: %w", errCreate)
	}
	return nil
}

// UpdateCredentials atomically replaces the sealed credential payload.
func (s *AccountStore) UpdateCredentials(ctx context.Context, id string, sealed []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("account store: not initialized")
	}
	result := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"credentials": datatypes.JSON(sealed),
		"updated_at":  time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("account store: update credentials: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateStatus sets the account status.
func (s *AccountStore) UpdateStatus(ctx context.Context, id, status string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("account store: not initialized")
	}
	result := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("account store: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateHealth writes the latest health check result and failure streak.
func (s *AccountStore) UpdateHealth(ctx context.Context, id string, result []byte, transientFailures int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("account store: not initialized")
	}
	now := time.Now().UTC()
	update := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"health_status":      datatypes.JSON(result),
		"transient_failures": transientFailures,
		"last_health_check":  now,
		"updated_at":         now,
	})
	if update.Error != nil {
		return fmt.Errorf("account store: update health: %w", update.Error)
	}
	if update.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncrementUsage bumps the request counters in SQL so concurrent
// updates never lose increments.
func (s *AccountStore) IncrementUsage(ctx context.Context, id string, success bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("account store: not initialized")
	}
	now := time.Now().UTC()
	fields := map[string]any{
		"request_count": gorm.Expr("request_count + 1"),
		"last_used_at":  now,
		"updated_at":    now,
	}
	if success {
		fields["success_count"] = gorm.Expr("success_count + 1")
	} else {
		fields["error_count"] = gorm.Expr("error_count + 1")
	}
	result := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("account store: increment usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

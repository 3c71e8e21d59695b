package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/relayops/claude-relay/internal/models"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.APIKey{},
		&models.Account{},
		&models.UsageRecord{},
		&models.OAuthSession{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	// ddl defines an index statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_accounts_selectable",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_accounts_selectable
				ON accounts (user_id, type, priority)
				WHERE status = 'active'
			`,
		},
		{
			name: "idx_accounts_type_status",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_accounts_type_status
				ON accounts (type, status)
			`,
		},
		{
			name: "idx_usage_records_account_created_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_usage_records_account_created_at
				ON usage_records (account_id, created_at DESC)
			`,
		},
		{
			name: "idx_usage_records_api_key_created_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_usage_records_api_key_created_at
				ON usage_records (api_key_id, created_at DESC)
			`,
		},
		{
			name: "idx_oauth_sessions_expires_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_oauth_sessions_expires_at
				ON oauth_sessions (expires_at)
			`,
		},
	}
	for _, item := range ddls {
		if errDDL := conn.Exec(item.sql).Error; errDDL != nil {
			return fmt.Errorf("db: create index %s: %w", item.name, errDDL)
		}
	}

	return nil
}

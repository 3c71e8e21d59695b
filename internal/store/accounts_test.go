package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/relayops/claude-relay/internal/db"
	"github.com/relayops/claude-relay/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "relay.db"))
	if errOpen != nil {
		t.Fatalf("open test db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate test db: %v", errMigrate)
	}
	return conn
}

func TestAccountStore_CreateAndGet(t *testing.T) {
	accounts := NewAccountStore(openTestDB(t))
	ctx := context.Background()

	account := &models.Account{
		Name:        "primary",
		Type:        models.AccountTypeAPIKey,
		Credentials: datatypes.JSON([]byte(`{}`)),
	}
	if errCreate := accounts.Create(ctx, account); errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if account.ID == "" {
		t.Fatal("expected generated uuid")
	}
	if account.Priority != 1 || account.Weight != 100 {
		t.Fatalf("expected defaults applied, got priority=%d weight=%d", account.Priority, account.Weight)
	}

	loaded, errGet := accounts.Get(ctx, account.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if loaded.Name != "primary" || loaded.Status != models.AccountStatusActive {
		t.Fatalf("unexpected row %+v", loaded)
	}

	if _, errMissing := accounts.Get(ctx, "no-such-id"); errMissing != ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", errMissing)
	}
}

func TestAccountStore_ListActiveFilters(t *testing.T) {
	accounts := NewAccountStore(openTestDB(t))
	ctx := context.Background()

	seed := []models.Account{
		{Name: "a", Type: models.AccountTypeAPIKey, UserID: 1, Credentials: datatypes.JSON([]byte(`{}`))},
		{Name: "b", Type: models.AccountTypeOAuth, UserID: 1, Credentials: datatypes.JSON([]byte(`{}`))},
		{Name: "c", Type: models.AccountTypeAPIKey, UserID: 2, Credentials: datatypes.JSON([]byte(`{}`))},
		{Name: "d", Type: models.AccountTypeAPIKey, UserID: 1, Status: models.AccountStatusError, Credentials: datatypes.JSON([]byte(`{}`))},
	}
	for i := range seed {
		if errCreate := accounts.Create(ctx, &seed[i]); errCreate != nil {
			t.Fatalf("create %s: %v", seed[i].Name, errCreate)
		}
	}

	active, errList := accounts.ListActive(ctx, 1, models.AccountTypeAPIKey)
	if errList != nil {
		t.Fatalf("list active: %v", errList)
	}
	if len(active) != 1 || active[0].Name != "a" {
		t.Fatalf("unexpected active set %+v", active)
	}
}

func TestAccountStore_ListOAuthSkipsInactive(t *testing.T) {
	accounts := NewAccountStore(openTestDB(t))
	ctx := context.Background()

	seed := []models.Account{
		{Name: "live", Type: models.AccountTypeOAuth, Credentials: datatypes.JSON([]byte(`{}`))},
		{Name: "errored", Type: models.AccountTypeOAuth, Status: models.AccountStatusError, Credentials: datatypes.JSON([]byte(`{}`))},
		{Name: "off", Type: models.AccountTypeOAuth, Status: models.AccountStatusInactive, Credentials: datatypes.JSON([]byte(`{}`))},
		{Name: "key", Type: models.AccountTypeAPIKey, Credentials: datatypes.JSON([]byte(`{}`))},
	}
	for i := range seed {
		if errCreate := accounts.Create(ctx, &seed[i]); errCreate != nil {
			t.Fatalf("create %s: %v", seed[i].Name, errCreate)
		}
	}

	rows, errList := accounts.ListOAuth(ctx)
	if errList != nil {
		t.Fatalf("list oauth: %v", errList)
	}
	if len(rows) != 2 {
		t.Fatalf("expected live + errored oauth accounts, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Name == "off" || row.Name == "key" {
			t.Fatalf("unexpected row %s in oauth sweep set", row.Name)
		}
	}
}

func TestAccountStore_IncrementUsageConcurrent(t *testing.T) {
	accounts := NewAccountStore(openTestDB(t))
	ctx := context.Background()

	account := &models.Account{Name: "busy", Type: models.AccountTypeAPIKey, Credentials: datatypes.JSON([]byte(`{}`))}
	if errCreate := accounts.Create(ctx, account); errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			if err := accounts.IncrementUsage(ctx, account.ID, success); err != nil {
				errs <- err
			}
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment: %v", err)
	}

	loaded, errGet := accounts.Get(ctx, account.ID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if loaded.RequestCount != workers {
		t.Fatalf("expected %d requests, got %d", workers, loaded.RequestCount)
	}
	if loaded.SuccessCount+loaded.ErrorCount != workers {
		t.Fatalf("success+error = %d, want %d", loaded.SuccessCount+loaded.ErrorCount, workers)
	}
	if loaded.SuccessCount != workers/2 {
		t.Fatalf("expected %d successes, got %d", workers/2, loaded.SuccessCount)
	}
	if loaded.LastUsedAt == nil {
		t.Fatal("expected last_used_at set")
	}
}

func TestAccountStore_UpdateStatusAndCredentials(t *testing.T) {
	accounts := NewAccountStore(openTestDB(t))
	ctx := context.Background()

	account := &models.Account{Name: "rotating", Type: models.AccountTypeOAuth, Credentials: datatypes.JSON([]byte(`{}`))}
	if errCreate := accounts.Create(ctx, account); errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	if errStatus := accounts.UpdateStatus(ctx, account.ID, models.AccountStatusError); errStatus != nil {
		t.Fatalf("update status: %v", errStatus)
	}
	if errCreds := accounts.UpdateCredentials(ctx, account.ID, []byte(`{"v":1}`)); errCreds != nil {
		t.Fatalf("update credentials: %v", errCreds)
	}

	loaded, _ := accounts.Get(ctx, account.ID)
	if loaded.Status != models.AccountStatusError {
		t.Fatalf("expected error status, got %s", loaded.Status)
	}
	if string(loaded.Credentials) != `{"v":1}` {
		t.Fatalf("unexpected credentials %s", loaded.Credentials)
	}

	if errMissing := accounts.UpdateStatus(ctx, "no-such-id", models.AccountStatusActive); errMissing != ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", errMissing)
	}
}

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/db"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/store"
)

type fixture struct {
	accounts *store.AccountStore
	sessions *store.SessionStore
	box      *credentials.Box
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "relay.db"))
	if errOpen != nil {
		t.Fatalf("open test db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	box, errBox := credentials.NewBox("oauth-test-key")
	if errBox != nil {
		t.Fatalf("new box: %v", errBox)
	}
	return &fixture{
		accounts: store.NewAccountStore(conn),
		sessions: store.NewSessionStore(conn),
		box:      box,
	}
}

// fakeTokenServer mimics the provider token endpoint.
func fakeTokenServer(t *testing.T, hits *atomic.Int64, fail string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if fail == "invalid_grant" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
			return
		}
		if fail == "server_error" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal"}`))
			return
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		resp := map[string]any{
			"access_token":  "sk-ant-oat01-fresh-" + payload["grant_type"],
			"refresh_token": "sk-ant-ort01-fresh",
			"expires_in":    3600,
			"scope":         "user:inference user:profile",
			"token_type":    "Bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func sealOAuth(t *testing.T, fx *fixture, expiresAt time.Time) []byte {
	t.Helper()
	sealed, errSeal := fx.box.Seal(&credentials.Credentials{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken:  "sk-ant-oat01-old",
			RefreshToken: "sk-ant-ort01-old",
			ExpiresAt:    expiresAt.UnixMilli(),
		},
	})
	if errSeal != nil {
		t.Fatalf("seal: %v", errSeal)
	}
	return sealed
}

func TestGenerateAuthURL(t *testing.T) {
	fx := newFixture(t)
	handshake := NewHandshake(fx.sessions, fx.accounts, fx.box, 10*time.Minute)

	authURL, state, errGenerate := handshake.GenerateAuthURL(context.Background(), 7, "")
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}

	parsed, errParse := url.Parse(authURL)
	if errParse != nil {
		t.Fatalf("parse auth url: %v", errParse)
	}
	query := parsed.Query()
	if query.Get("state") != state {
		t.Fatalf("state mismatch: %q vs %q", query.Get("state"), state)
	}
	if query.Get("code_challenge_method") != "S256" || query.Get("code_challenge") == "" {
		t.Fatalf("missing pkce parameters in %s", authURL)
	}
	if query.Get("client_id") != anthropicClientID {
		t.Fatalf("unexpected client id %q", query.Get("client_id"))
	}
}

func TestExchangeCode_CreatesAccount(t *testing.T) {
	fx := newFixture(t)
	server := fakeTokenServer(t, nil, "")
	defer server.Close()

	handshake := NewHandshake(fx.sessions, fx.accounts, fx.box, 10*time.Minute,
		WithEndpoints("", server.URL, server.Client()))

	_, state, errGenerate := handshake.GenerateAuthURL(context.Background(), 7, "")
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}

	account, errExchange := handshake.ExchangeCode(context.Background(), "", "the-code#"+state, "work-account")
	if errExchange != nil {
		t.Fatalf("exchange: %v", errExchange)
	}
	if account.Type != models.AccountTypeOAuth || account.UserID != 7 || account.Name != "work-account" {
		t.Fatalf("unexpected account %+v", account)
	}

	creds, errOpen := fx.box.Open(account.Credentials)
	if errOpen != nil {
		t.Fatalf("open sealed credentials: %v", errOpen)
	}
	if !strings.HasPrefix(creds.OAuth.AccessToken, "sk-ant-oat01-fresh") {
		t.Fatalf("unexpected access token %q", creds.OAuth.AccessToken)
	}

	// The session is single-use.
	if _, errSecond := handshake.ExchangeCode(context.Background(), state, "the-code", ""); errSecond == nil {
		t.Fatal("expected second exchange to fail")
	}
}

func TestExchangeCode_UpdatesExistingAccount(t *testing.T) {
	fx := newFixture(t)
	server := fakeTokenServer(t, nil, "")
	defer server.Close()

	existing := &models.Account{
		Name:        "reauth",
		Type:        models.AccountTypeOAuth,
		Status:      models.AccountStatusError,
		Credentials: sealOAuth(t, fx, time.Now().Add(-time.Hour)),
	}
	if errCreate := fx.accounts.Create(context.Background(), existing); errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}

	handshake := NewHandshake(fx.sessions, fx.accounts, fx.box, 10*time.Minute,
		WithEndpoints("", server.URL, server.Client()))
	_, state, _ := handshake.GenerateAuthURL(context.Background(), 0, existing.ID)

	account, errExchange := handshake.ExchangeCode(context.Background(), state, "the-code", "")
	if errExchange != nil {
		t.Fatalf("exchange: %v", errExchange)
	}
	if account.ID != existing.ID {
		t.Fatalf("expected tokens on existing account, got %s", account.ID)
	}
	if account.Status != models.AccountStatusActive {
		t.Fatalf("expected reactivation, status %s", account.Status)
	}
}

func TestCheckAndRefreshAll_ThresholdBoundary(t *testing.T) {
	fx := newFixture(t)
	var hits atomic.Int64
	server := fakeTokenServer(t, &hits, "")
	defer server.Close()

	now := time.Now()
	expiring := &models.Account{Name: "expiring", Type: models.AccountTypeOAuth, Credentials: sealOAuth(t, fx, now.Add(4*time.Minute))}
	healthy := &models.Account{Name: "healthy", Type: models.AccountTypeOAuth, Credentials: sealOAuth(t, fx, now.Add(6*time.Minute))}
	for _, account := range []*models.Account{expiring, healthy} {
		if errCreate := fx.accounts.Create(context.Background(), account); errCreate != nil {
			t.Fatalf("seed: %v", errCreate)
		}
	}

	manager := NewRefreshManager(fx.accounts, fx.box, 5*time.Minute, time.Minute,
		WithRefreshEndpoint(server.URL, server.Client()),
		WithRefreshClock(func() time.Time { return now }))

	results := manager.CheckAndRefreshAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	byID := map[string]RefreshResult{}
	for _, result := range results {
		if result.Err != nil {
			t.Fatalf("refresh %s: %v", result.AccountID, result.Err)
		}
		byID[result.AccountID] = result
	}
	if !byID[expiring.ID].Refreshed {
		t.Fatal("expected 4m-remaining token refreshed")
	}
	if byID[healthy.ID].Refreshed {
		t.Fatal("expected 6m-remaining token untouched")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly 1 token endpoint call, got %d", hits.Load())
	}

	// A second sweep finds the refreshed token fresh; nothing happens.
	hits.Store(0)
	for _, result := range manager.CheckAndRefreshAll(context.Background()) {
		if result.Refreshed || result.Err != nil {
			t.Fatalf("second sweep should be a no-op, got %+v", result)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("second sweep hit the token endpoint %d times", hits.Load())
	}
}

func TestRefresh_InvalidGrantMarksAccountErrored(t *testing.T) {
	fx := newFixture(t)
	server := fakeTokenServer(t, nil, "invalid_grant")
	defer server.Close()

	account := &models.Account{Name: "revoked", Type: models.AccountTypeOAuth, Credentials: sealOAuth(t, fx, time.Now().Add(-time.Minute))}
	if errCreate := fx.accounts.Create(context.Background(), account); errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	manager := NewRefreshManager(fx.accounts, fx.box, 5*time.Minute, time.Minute,
		WithRefreshEndpoint(server.URL, server.Client()))

	result := manager.RefreshAccount(context.Background(), account.ID)
	if result.Err != ErrRefreshTokenInvalid {
		t.Fatalf("expected ErrRefreshTokenInvalid, got %v", result.Err)
	}

	loaded, _ := fx.accounts.Get(context.Background(), account.ID)
	if loaded.Status != models.AccountStatusError {
		t.Fatalf("expected error status, got %s", loaded.Status)
	}
}

func TestRefresh_TransientFailureKeepsStatus(t *testing.T) {
	fx := newFixture(t)
	server := fakeTokenServer(t, nil, "server_error")
	defer server.Close()

	account := &models.Account{Name: "flaky", Type: models.AccountTypeOAuth, Credentials: sealOAuth(t, fx, time.Now().Add(-time.Minute))}
	if errCreate := fx.accounts.Create(context.Background(), account); errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	manager := NewRefreshManager(fx.accounts, fx.box, 5*time.Minute, time.Minute,
		WithRefreshEndpoint(server.URL, server.Client()))

	result := manager.RefreshAccount(context.Background(), account.ID)
	if result.Err == nil {
		t.Fatal("expected refresh error")
	}

	loaded, _ := fx.accounts.Get(context.Background(), account.ID)
	if loaded.Status != models.AccountStatusActive {
		t.Fatalf("transient failure must not flip status, got %s", loaded.Status)
	}
}

func TestRefreshAccount_RecoversErroredAccount(t *testing.T) {
	fx := newFixture(t)
	server := fakeTokenServer(t, nil, "")
	defer server.Close()

	account := &models.Account{
		Name:        "recovering",
		Type:        models.AccountTypeOAuth,
		Status:      models.AccountStatusError,
		Credentials: sealOAuth(t, fx, time.Now().Add(-time.Hour)),
	}
	if errCreate := fx.accounts.Create(context.Background(), account); errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	manager := NewRefreshManager(fx.accounts, fx.box, 5*time.Minute, time.Minute,
		WithRefreshEndpoint(server.URL, server.Client()))

	result := manager.RefreshAccount(context.Background(), account.ID)
	if result.Err != nil || !result.Refreshed {
		t.Fatalf("expected successful refresh, got %+v", result)
	}

	loaded, _ := fx.accounts.Get(context.Background(), account.ID)
	if loaded.Status != models.AccountStatusActive {
		t.Fatalf("expected account reactivated, got %s", loaded.Status)
	}
}

func TestCheckAndRefreshAll_OverlappingSweepSkipped(t *testing.T) {
	fx := newFixture(t)

	var hits atomic.Int64
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"sk-ant-oat01-fresh","refresh_token":"sk-ant-ort01-fresh","expires_in":3600}`))
	}))
	defer server.Close()

	account := &models.Account{Name: "expired", Type: models.AccountTypeOAuth, Credentials: sealOAuth(t, fx, time.Now().Add(-time.Hour))}
	if errCreate := fx.accounts.Create(context.Background(), account); errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	manager := NewRefreshManager(fx.accounts, fx.box, 5*time.Minute, time.Minute,
		WithRefreshEndpoint(server.URL, server.Client()))

	firstDone := make(chan []RefreshResult, 1)
	go func() {
		firstDone <- manager.CheckAndRefreshAll(context.Background())
	}()
	<-entered

	// The first sweep is blocked inside the token endpoint; a second
	// sweep must bail out without touching it.
	if results := manager.CheckAndRefreshAll(context.Background()); results != nil {
		t.Fatalf("overlapping sweep returned %d results, want none", len(results))
	}
	if hits.Load() != 1 {
		t.Fatalf("overlapping sweep hit the token endpoint, total hits %d", hits.Load())
	}

	close(release)
	results := <-firstDone
	if len(results) != 1 || results[0].Err != nil || !results[0].Refreshed {
		t.Fatalf("first sweep results = %+v", results)
	}

	// The guard clears once the sweep finishes.
	if results := manager.CheckAndRefreshAll(context.Background()); results == nil {
		t.Fatal("post-sweep call should run, not be skipped")
	}
}

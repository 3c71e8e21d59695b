package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/db"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/oauth"
	"github.com/relayops/claude-relay/internal/pricing"
	"github.com/relayops/claude-relay/internal/relay"
	"github.com/relayops/claude-relay/internal/selector"
	"github.com/relayops/claude-relay/internal/store"
	"github.com/relayops/claude-relay/internal/usage"
)

type proxyFixture struct {
	conn     *gorm.DB
	accounts *store.AccountStore
	box      *credentials.Box
	proxy    *Proxy
}

func newProxyFixture(t *testing.T, upstreamURL string) *proxyFixture {
	t.Helper()
	return newProxyFixtureIdle(t, upstreamURL, 5*time.Second)
}

func newProxyFixtureIdle(t *testing.T, upstreamURL string, idleTimeout time.Duration) *proxyFixture {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "relay.db"))
	if errOpen != nil {
		t.Fatalf("open test db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	box, errBox := credentials.NewBox("proxy-test-key")
	if errBox != nil {
		t.Fatalf("box: %v", errBox)
	}

	accounts := store.NewAccountStore(conn)
	refresher := oauth.NewRefreshManager(accounts, box, 5*time.Minute, time.Hour,
		oauth.WithRefreshEndpoint(upstreamURL+"/oauth/token", &http.Client{}))
	proxy := NewProxy(
		accounts,
		selector.New(accounts),
		box,
		relay.NewClient(upstreamURL, 10*time.Second, idleTimeout),
		refresher,
		pricing.NewTable(nil),
		usage.NewSyncRecorder(conn),
	)
	return &proxyFixture{conn: conn, accounts: accounts, box: box, proxy: proxy}
}

func (f *proxyFixture) addAPIKeyAccount(t *testing.T, name string) *models.Account {
	t.Helper()
	sealed, errSeal := f.box.Seal(&credentials.Credentials{
		Type:   credentials.TypeAPIKey,
		APIKey: &credentials.APIKey{Key: "sk-ant-" + name},
	})
	if errSeal != nil {
		t.Fatalf("seal: %v", errSeal)
	}
	account := &models.Account{Name: name, Type: models.AccountTypeAPIKey, Credentials: sealed}
	if errCreate := f.accounts.Create(context.Background(), account); errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	return account
}

func (f *proxyFixture) lastRecord(t *testing.T) *models.UsageRecord {
	t.Helper()
	var row models.UsageRecord
	if errFind := f.conn.Order("id DESC").First(&row).Error; errFind != nil {
		t.Fatalf("find usage record: %v", errFind)
	}
	return &row
}

const bufferedReply = `{"id":"msg_1","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"hi"}],` +
	`"usage":{"input_tokens":100,"output_tokens":50,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}`

func TestHandle_BufferedRequestRecordsUsageAndCost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Error("expected x-api-key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bufferedReply))
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL)
	account := fixture.addAPIKeyAccount(t, "primary")

	out := httptest.NewRecorder()
	fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 1}, []byte(`{"model":"claude-sonnet-4","messages":[]}`), out)

	if out.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", out.Code, out.Body.String())
	}
	if out.Body.String() != bufferedReply {
		t.Fatalf("body not passed through: %s", out.Body.String())
	}

	record := fixture.lastRecord(t)
	if record.InputTokens != 100 || record.OutputTokens != 50 {
		t.Fatalf("tokens = %d/%d", record.InputTokens, record.OutputTokens)
	}
	if record.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("model = %q, want the upstream-reported one", record.Model)
	}
	// 100 in * 0.003/1K + 50 out * 0.015/1K.
	wantCost := 0.1*0.003 + 0.05*0.015
	if diff := record.Cost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", record.Cost, wantCost)
	}

	updated, _ := fixture.accounts.Get(context.Background(), account.ID)
	if updated.RequestCount != 1 || updated.SuccessCount != 1 {
		t.Fatalf("account counters = %d/%d", updated.RequestCount, updated.SuccessCount)
	}
}

func TestHandle_StreamRelaysSSEAndRecordsUsage(t *testing.T) {
	sse := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-20250514\",\"usage\":{\"input_tokens\":30,\"cache_read_input_tokens\":5}}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":9}}\n\n" +
		"data: [DONE]\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL)
	fixture.addAPIKeyAccount(t, "primary")

	out := httptest.NewRecorder()
	fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 1}, []byte(`{"model":"claude-sonnet-4","stream":true,"messages":[]}`), out)

	if out.Code != http.StatusOK {
		t.Fatalf("status = %d", out.Code)
	}
	if got := out.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	if out.Body.String() != sse {
		t.Fatalf("stream not byte-identical:\n%s", out.Body.String())
	}

	record := fixture.lastRecord(t)
	if record.InputTokens != 30 || record.OutputTokens != 9 || record.CacheReadTokens != 5 {
		t.Fatalf("tokens = %+v", record)
	}
	if !record.Stream {
		t.Fatal("record should be marked streaming")
	}
}

func TestHandle_NoAccountAvailable(t *testing.T) {
	fixture := newProxyFixture(t, "http://127.0.0.1:1")

	out := httptest.NewRecorder()
	fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 7}, []byte(`{"model":"claude-sonnet-4"}`), out)

	if out.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", out.Code)
	}
	record := fixture.lastRecord(t)
	if record.AccountID != nil {
		t.Fatalf("account id should be nil, got %v", *record.AccountID)
	}
	if record.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("record status = %d", record.StatusCode)
	}
}

func TestHandle_UpstreamErrorPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "13")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL)
	fixture.addAPIKeyAccount(t, "primary")

	out := httptest.NewRecorder()
	fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 1}, []byte(`{"model":"claude-sonnet-4"}`), out)

	if out.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", out.Code)
	}
	if out.Header().Get("Retry-After") != "13" {
		t.Fatalf("Retry-After not forwarded: %q", out.Header().Get("Retry-After"))
	}
	if !strings.Contains(out.Body.String(), "rate_limit_error") {
		t.Fatalf("body not passed through: %s", out.Body.String())
	}
	record := fixture.lastRecord(t)
	if record.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("record status = %d", record.StatusCode)
	}
}

func TestHandle_StalledStreamRendersStructuredTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Accepted, then silent until the relay gives up.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	fixture := newProxyFixtureIdle(t, upstream.URL, 100*time.Millisecond)
	fixture.addAPIKeyAccount(t, "primary")

	out := httptest.NewRecorder()
	fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 1}, []byte(`{"model":"claude-sonnet-4","stream":true,"messages":[]}`), out)

	if out.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", out.Code, http.StatusGatewayTimeout)
	}
	if !strings.Contains(out.Body.String(), "api_error") {
		t.Fatalf("expected a structured error payload, got %s", out.Body.String())
	}
	record := fixture.lastRecord(t)
	if record.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("record status = %d", record.StatusCode)
	}
}

func TestHandle_TransportFailureReturns503(t *testing.T) {
	fixture := newProxyFixture(t, "http://127.0.0.1:1")
	fixture.addAPIKeyAccount(t, "only")

	out := httptest.NewRecorder()
	fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 1}, []byte(`{"model":"claude-sonnet-4"}`), out)

	if out.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", out.Code, http.StatusServiceUnavailable)
	}
	record := fixture.lastRecord(t)
	if record.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("record status = %d", record.StatusCode)
	}
	if record.ResponseTimeMs < 0 {
		t.Fatalf("response time = %d", record.ResponseTimeMs)
	}
}

func TestHandle_TransportFailureRetriesAlternateAccount(t *testing.T) {
	var served atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Store(true)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bufferedReply))
	}))
	defer upstream.Close()

	fixture := newProxyFixture(t, upstream.URL)
	// Dead account points at an unroutable base URL; live one uses the
	// client default.
	sealedDead, _ := fixture.box.Seal(&credentials.Credentials{
		Type:   credentials.TypeAPIKey,
		APIKey: &credentials.APIKey{Key: "sk-ant-dead", BaseURL: "http://127.0.0.1:1"},
	})
	dead := &models.Account{Name: "dead", Type: models.AccountTypeAPIKey, Credentials: sealedDead, Weight: 1}
	if errCreate := fixture.accounts.Create(context.Background(), dead); errCreate != nil {
		t.Fatalf("create dead account: %v", errCreate)
	}
	fixture.addAPIKeyAccount(t, "live")

	// Both accounts share a tier; keep trying until the dead one is hit
	// first and the retry lands on the live one.
	for attempt := 0; attempt < 10; attempt++ {
		out := httptest.NewRecorder()
		fixture.proxy.Handle(context.Background(), &models.APIKey{ID: 1}, []byte(`{"model":"claude-sonnet-4"}`), out)
		if out.Code != http.StatusOK && out.Code != http.StatusServiceUnavailable {
			t.Fatalf("unexpected status %d", out.Code)
		}
		if out.Code == http.StatusOK && served.Load() {
			return
		}
	}
	t.Fatal("no attempt reached the live account")
}

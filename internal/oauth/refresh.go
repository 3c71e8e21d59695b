package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/store"
)

// RefreshResult reports the outcome of one account's refresh attempt.
type RefreshResult struct {
	AccountID    string
	Refreshed    bool
	Err          error
	OldExpiresAt time.Time
	NewExpiresAt time.Time
}

// RefreshManager keeps OAuth access tokens fresh. Besides an explicit
// admin credential update it is the only writer of OAuth credentials.
type RefreshManager struct {
	accounts *store.AccountStore
	box      *credentials.Box
	tokens   *tokenClient

	threshold time.Duration
	interval  time.Duration
	now       func() time.Time

	sweeping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// RefreshOption tweaks refresh manager construction.
type RefreshOption func(*RefreshManager)

// WithRefreshEndpoint overrides the token endpoint.
func WithRefreshEndpoint(tokenURL string, httpClient *http.Client) RefreshOption {
	return func(m *RefreshManager) {
		m.tokens = newTokenClient(httpClient, tokenURL)
	}
}

// WithRefreshClock overrides the refresh clock.
func WithRefreshClock(now func() time.Time) RefreshOption {
	return func(m *RefreshManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewRefreshManager constructs a refresh manager.
func NewRefreshManager(accounts *store.AccountStore, box *credentials.Box, threshold, interval time.Duration, opts ...RefreshOption) *RefreshManager {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m := &RefreshManager{
		accounts:  accounts,
		box:       box,
		tokens:    newTokenClient(nil, anthropicTokenURL),
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndRefreshAll refreshes every OAuth account whose access token
// has less than the threshold remaining. One account's failure never
// blocks the others. Overlapping sweeps are skipped.
func (m *RefreshManager) CheckAndRefreshAll(ctx context.Context) []RefreshResult {
	if m == nil || m.accounts == nil {
		return nil
	}
	if !m.sweeping.CompareAndSwap(false, true) {
		log.Debug("oauth: refresh sweep already running, skipping")
		return nil
	}
	defer m.sweeping.Store(false)

	rows, errList := m.accounts.ListOAuth(ctx)
	if errList != nil {
		log.WithError(errList).Warn("oauth: list accounts for refresh failed")
		return nil
	}

	results := make([]RefreshResult, 0, len(rows))
	for i := range rows {
		account := &rows[i]
		result := m.refreshIfNeeded(ctx, account)
		if result.Err != nil {
			log.WithError(result.Err).WithField("account_id", account.ID).Warn("oauth: refresh failed")
		} else if result.Refreshed {
			log.WithField("account_id", account.ID).
				WithField("expires_at", result.NewExpiresAt.Format(time.RFC3339)).
				Info("oauth: token refreshed")
		}
		results = append(results, result)
	}
	return results
}

// RefreshAccount refreshes one account unconditionally.
func (m *RefreshManager) RefreshAccount(ctx context.Context, id string) RefreshResult {
	if m == nil || m.accounts == nil {
		return RefreshResult{AccountID: id, Err: fmt.Errorf("oauth: refresh manager not initialized")}
	}
	account, errGet := m.accounts.Get(ctx, id)
	if errGet != nil {
		return RefreshResult{AccountID: id, Err: errGet}
	}
	if account.Type != models.AccountTypeOAuth {
		return RefreshResult{AccountID: id, Err: fmt.Errorf("oauth: account %s is not an oauth account", id)}
	}
	return m.refresh(ctx, account)
}

// refreshIfNeeded refreshes when the token is within the threshold of
// expiring, or already expired.
func (m *RefreshManager) refreshIfNeeded(ctx context.Context, account *models.Account) RefreshResult {
	creds, errOpen := m.box.Open(account.Credentials)
	if errOpen != nil {
		return RefreshResult{AccountID: account.ID, Err: errOpen}
	}
	if creds.OAuth == nil {
		return RefreshResult{AccountID: account.ID, Err: fmt.Errorf("oauth: account %s missing oauth payload", account.ID)}
	}
	oldExpiry := time.UnixMilli(creds.OAuth.ExpiresAt)
	if creds.OAuth.ExpiresIn(m.now()) >= m.threshold {
		return RefreshResult{AccountID: account.ID, OldExpiresAt: oldExpiry, NewExpiresAt: oldExpiry}
	}
	return m.refreshWith(ctx, account, creds)
}

func (m *RefreshManager) refresh(ctx context.Context, account *models.Account) RefreshResult {
	creds, errOpen := m.box.Open(account.Credentials)
	if errOpen != nil {
		return RefreshResult{AccountID: account.ID, Err: errOpen}
	}
	if creds.OAuth == nil {
		return RefreshResult{AccountID: account.ID, Err: fmt.Errorf("oauth: account %s missing oauth payload", account.ID)}
	}
	return m.refreshWith(ctx, account, creds)
}

func (m *RefreshManager) refreshWith(ctx context.Context, account *models.Account, creds *credentials.Credentials) RefreshResult {
	result := RefreshResult{
		AccountID:    account.ID,
		OldExpiresAt: time.UnixMilli(creds.OAuth.ExpiresAt),
	}

	if strings.TrimSpace(creds.OAuth.RefreshToken) == "" {
		result.Err = ErrRefreshTokenInvalid
		m.markError(ctx, account.ID)
		return result
	}

	token, errRefresh := m.tokens.refresh(ctx, creds.OAuth.RefreshToken)
	if errRefresh != nil {
		result.Err = errRefresh
		if errors.Is(errRefresh, ErrRefreshTokenInvalid) {
			m.markError(ctx, account.ID)
		}
		return result
	}

	creds.OAuth.AccessToken = token.AccessToken
	if strings.TrimSpace(token.RefreshToken) != "" {
		creds.OAuth.RefreshToken = token.RefreshToken
	}
	creds.OAuth.ExpiresAt = m.now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli()
	if scope := strings.Fields(token.Scope); len(scope) > 0 {
		creds.OAuth.Scopes = scope
	}

	sealed, errSeal := m.box.Seal(creds)
	if errSeal != nil {
		result.Err = errSeal
		return result
	}
	if errUpdate := m.accounts.UpdateCredentials(ctx, account.ID, sealed); errUpdate != nil {
		result.Err = errUpdate
		return result
	}
	if account.Status == models.AccountStatusError {
		if errStatus := m.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusActive); errStatus != nil {
			log.WithError(errStatus).WithField("account_id", account.ID).Warn("oauth: reactivate after refresh failed")
		}
	}

	result.Refreshed = true
	result.NewExpiresAt = time.UnixMilli(creds.OAuth.ExpiresAt)
	return result
}

func (m *RefreshManager) markError(ctx context.Context, id string) {
	if errStatus := m.accounts.UpdateStatus(ctx, id, models.AccountStatusError); errStatus != nil {
		log.WithError(errStatus).WithField("account_id", id).Warn("oauth: mark account errored failed")
	}
}

// Start launches the background refresh sweep.
func (m *RefreshManager) Start(ctx context.Context) {
	if m == nil || m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAndRefreshAll(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (m *RefreshManager) Stop() {
	if m == nil || m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop = nil
	m.done = nil
}

// Package health probes upstream accounts and maintains their status.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/store"
)

// Check status values.
const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusNotImplemented = "not_implemented"
)

// Result is one health check outcome, persisted on the account row.
type Result struct {
	Status         string         `json:"status"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Message        string         `json:"message,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
	Details        map[string]any `json:"details,omitempty"`
}

// Checker probes accounts and applies the transient/terminal policy:
// 401/403 from the provider flips the account to error immediately,
// transient failures only after a consecutive-failure streak, and any
// success resets the streak and reactivates the account.
type Checker struct {
	accounts *store.AccountStore
	box      *credentials.Box

	httpClient *http.Client
	baseURL    string
	profileURL string

	transientThreshold int
	interval           time.Duration
	now                func() time.Time

	stop chan struct{}
	done chan struct{}
}

// CheckerOption tweaks checker construction.
type CheckerOption func(*Checker)

// WithCheckEndpoints overrides upstream endpoints, mainly for tests.
func WithCheckEndpoints(baseURL, profileURL string, httpClient *http.Client) CheckerOption {
	return func(c *Checker) {
		if strings.TrimSpace(baseURL) != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
		if strings.TrimSpace(profileURL) != "" {
			c.profileURL = profileURL
		}
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithCheckClock overrides the checker clock.
func WithCheckClock(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChecker constructs a health checker.
func NewChecker(accounts *store.AccountStore, box *credentials.Box, baseURL string, transientThreshold int, interval time.Duration, opts ...CheckerOption) *Checker {
	if transientThreshold <= 0 {
		transientThreshold = 3
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c := &Checker{
		accounts:           accounts,
		box:                box,
		httpClient:         &http.Client{Timeout: 30 * time.Second},
		baseURL:            strings.TrimRight(baseURL, "/"),
		profileURL:         "https://api.anthropic.com/api/oauth/profile",
		transientThreshold: transientThreshold,
		interval:           interval,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check probes one account, persists the result and adjusts status.
func (c *Checker) Check(ctx context.Context, account *models.Account) (*Result, error) {
	if c == nil || c.accounts == nil || c.box == nil {
		return nil, fmt.Errorf("health: checker not initialized")
	}
	if account == nil {
		return nil, fmt.Errorf("health: nil account")
	}

	creds, errOpen := c.box.Open(account.Credentials)
	if errOpen != nil {
		result := &Result{Status: StatusError, Message: "credentials unreadable: " + errOpen.Error(), CheckedAt: c.now().UTC()}
		c.apply(ctx, account, result, true)
		return result, nil
	}

	var result *Result
	terminal := false
	switch account.Type {
	case models.AccountTypeAPIKey:
		result, terminal = c.checkAPIKey(ctx, creds)
	case models.AccountTypeOAuth:
		result, terminal = c.checkOAuth(ctx, creds)
	default:
		result = &Result{Status: StatusNotImplemented, Message: "unknown account type " + account.Type, CheckedAt: c.now().UTC()}
	}

	c.apply(ctx, account, result, terminal)
	return result, nil
}

// checkAPIKey sends a minimal one-token messages call.
func (c *Checker) checkAPIKey(ctx context.Context, creds *credentials.Credentials) (*Result, bool) {
	started := c.now()
	result := &Result{CheckedAt: started.UTC()}

	base := c.baseURL
	if creds.APIKey != nil && strings.TrimSpace(creds.APIKey.BaseURL) != "" {
		base = strings.TrimRight(creds.APIKey.BaseURL, "/")
	}
	body := []byte(`{"model":"claude-3-5-haiku-latest","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if errReq != nil {
		result.Status = StatusError
		result.Message = errReq.Error()
		return result, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("x-api-key", creds.APIKey.Key)

	resp, errDo := c.httpClient.Do(req)
	result.ResponseTimeMs = c.now().Sub(started).Milliseconds()
	if errDo != nil {
		result.Status = StatusError
		result.Message = errDo.Error()
		return result, false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = StatusSuccess
		return result, false
	}
	result.Status = StatusError
	result.Message = fmt.Sprintf("upstream status %d", resp.StatusCode)
	return result, resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

// checkOAuth calls the profile endpoint and reports time to expiry.
func (c *Checker) checkOAuth(ctx context.Context, creds *credentials.Credentials) (*Result, bool) {
	started := c.now()
	result := &Result{CheckedAt: started.UTC(), Details: map[string]any{}}

	if creds.OAuth == nil {
		result.Status = StatusError
		result.Message = "missing oauth payload"
		return result, true
	}

	expiresIn := creds.OAuth.ExpiresIn(started)
	result.Details["expires_in_seconds"] = int64(expiresIn.Seconds())
	result.Details["expiring_soon"] = expiresIn < 10*time.Minute

	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL, nil)
	if errReq != nil {
		result.Status = StatusError
		result.Message = errReq.Error()
		return result, false
	}
	req.Header.Set("Authorization", "Bearer "+creds.OAuth.AccessToken)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")

	resp, errDo := c.httpClient.Do(req)
	result.ResponseTimeMs = c.now().Sub(started).Milliseconds()
	if errDo != nil {
		result.Status = StatusError
		result.Message = errDo.Error()
		return result, false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = StatusSuccess
		return result, false
	}
	result.Status = StatusError
	result.Message = fmt.Sprintf("profile status %d", resp.StatusCode)
	return result, resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

// apply persists the result and adjusts status per the failure policy.
func (c *Checker) apply(ctx context.Context, account *models.Account, result *Result, terminal bool) {
	streak := account.TransientFailures
	switch {
	case result.Status == StatusSuccess:
		streak = 0
	case terminal:
		// Streak is irrelevant once the provider rejects the credentials.
	default:
		streak++
	}

	payload, errMarshal := json.Marshal(result)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("health: marshal result failed")
		payload = []byte(`{}`)
	}
	if errUpdate := c.accounts.UpdateHealth(ctx, account.ID, payload, streak); errUpdate != nil {
		log.WithError(errUpdate).WithField("account_id", account.ID).Warn("health: persist result failed")
	}

	switch {
	case result.Status == StatusSuccess && account.Status == models.AccountStatusError:
		c.setStatus(ctx, account.ID, models.AccountStatusActive)
	case terminal && result.Status == StatusError:
		c.setStatus(ctx, account.ID, models.AccountStatusError)
	case result.Status == StatusError && streak >= c.transientThreshold && account.Status == models.AccountStatusActive:
		log.WithField("account_id", account.ID).WithField("failures", streak).Warn("health: transient failure streak exceeded")
		c.setStatus(ctx, account.ID, models.AccountStatusError)
	}
}

func (c *Checker) setStatus(ctx context.Context, id, status string) {
	if errStatus := c.accounts.UpdateStatus(ctx, id, status); errStatus != nil {
		log.WithError(errStatus).WithField("account_id", id).Warn("health: update status failed")
	}
}

// CheckAll probes every checkable account.
func (c *Checker) CheckAll(ctx context.Context) {
	rows, errList := c.accounts.ListCheckable(ctx)
	if errList != nil {
		log.WithError(errList).Warn("health: list accounts failed")
		return
	}
	for i := range rows {
		if _, errCheck := c.Check(ctx, &rows[i]); errCheck != nil {
			log.WithError(errCheck).WithField("account_id", rows[i].ID).Warn("health: check failed")
		}
	}
}

// Start launches the background health sweep.
func (c *Checker) Start(ctx context.Context) {
	if c == nil || c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CheckAll(ctx)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (c *Checker) Stop() {
	if c == nil || c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
	c.done = nil
}

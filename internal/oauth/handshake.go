package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/store"
)

// Handshake drives the PKCE authorization flow for Anthropic accounts.
type Handshake struct {
	sessions *store.SessionStore
	accounts *store.AccountStore
	box      *credentials.Box
	tokens   *tokenClient

	authorizeURL string
	sessionTTL   time.Duration
	now          func() time.Time
}

// HandshakeOption tweaks handshake construction, mainly for tests.
type HandshakeOption func(*Handshake)

// WithEndpoints overrides the authorize and token endpoints.
func WithEndpoints(authorizeURL, tokenURL string, httpClient *http.Client) HandshakeOption {
	return func(h *Handshake) {
		if strings.TrimSpace(authorizeURL) != "" {
			h.authorizeURL = authorizeURL
		}
		h.tokens = newTokenClient(httpClient, tokenURL)
	}
}

// WithClock overrides the handshake clock.
func WithClock(now func() time.Time) HandshakeOption {
	return func(h *Handshake) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandshake constructs a handshake manager.
func NewHandshake(sessions *store.SessionStore, accounts *store.AccountStore, box *credentials.Box, sessionTTL time.Duration, opts ...HandshakeOption) *Handshake {
	if sessionTTL <= 0 {
		sessionTTL = 10 * time.Minute
	}
	h := &Handshake{
		sessions:     sessions,
		accounts:     accounts,
		box:          box,
		tokens:       newTokenClient(nil, anthropicTokenURL),
		authorizeURL: anthropicAuthorizeURL,
		sessionTTL:   sessionTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GenerateAuthURL opens a handshake session and returns the URL the
// operator must visit. accountID is optional; when set, the exchanged
// tokens land on that account instead of a new one.
func (h *Handshake) GenerateAuthURL(ctx context.Context, userID uint64, accountID string) (authURL, state string, err error) {
	if h == nil || h.sessions == nil {
		return "", "", fmt.Errorf("oauth: handshake not initialized")
	}

	verifier, challenge, errPKCE := generatePKCE()
	if errPKCE != nil {
		return "", "", errPKCE
	}
	state, errState := newState()
	if errState != nil {
		return "", "", errState
	}

	// Stale sessions pile up when operators abandon handshakes.
	if errPurge := h.sessions.PurgeExpired(ctx); errPurge != nil {
		log.WithError(errPurge).Warn("oauth: purge expired sessions failed")
	}

	now := h.now().UTC()
	session := &models.OAuthSession{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		Provider:      "anthropic",
		AccountID:     strings.TrimSpace(accountID),
		UserID:        userID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(h.sessionTTL),
	}
	if errCreate := h.sessions.Create(ctx, session); errCreate != nil {
		return "", "", errCreate
	}

	query := url.Values{}
	query.Set("code", "true")
	query.Set("client_id", anthropicClientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", anthropicRedirectURI)
	query.Set("scope", anthropicScopes)
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")

	return h.authorizeURL + "?" + query.Encode(), state, nil
}

// ExchangeCode consumes the handshake session, swaps the pasted code for
// tokens and seals them onto the target account. The console presents
// the code as "code#state"; both forms are accepted.
func (h *Handshake) ExchangeCode(ctx context.Context, state, code, name string) (*models.Account, error) {
	if h == nil || h.sessions == nil || h.accounts == nil || h.box == nil {
		return nil, fmt.Errorf("oauth: handshake not initialized")
	}

	code = strings.TrimSpace(code)
	if idx := strings.Index(code, "#"); idx >= 0 {
		if state == "" {
			state = code[idx+1:]
		}
		code = code[:idx]
	}
	if code == "" {
		return nil, fmt.Errorf("oauth: empty authorization code")
	}

	session, errConsume := h.sessions.Consume(ctx, state)
	if errConsume != nil {
		return nil, errConsume
	}

	token, errExchange := h.tokens.exchange(ctx, code, state, session.CodeVerifier)
	if errExchange != nil {
		return nil, errExchange
	}

	creds := &credentials.Credentials{
		Type: credentials.TypeOAuth,
		OAuth: &credentials.OAuth{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    h.now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli(),
			Scopes:       strings.Fields(token.Scope),
		},
	}
	sealed, errSeal := h.box.Seal(creds)
	if errSeal != nil {
		return nil, errSeal
	}

	if session.AccountID != "" {
		if errUpdate := h.accounts.UpdateCredentials(ctx, session.AccountID, sealed); errUpdate != nil {
			return nil, errUpdate
		}
		if errStatus := h.accounts.UpdateStatus(ctx, session.AccountID, models.AccountStatusActive); errStatus != nil {
			log.WithError(errStatus).WithField("account_id", session.AccountID).Warn("oauth: reactivate after exchange failed")
		}
		return h.accounts.Get(ctx, session.AccountID)
	}

	if strings.TrimSpace(name) == "" {
		name = "anthropic-oauth"
	}
	account := &models.Account{
		UserID:      session.UserID,
		Name:        name,
		Type:        models.AccountTypeOAuth,
		Credentials: sealed,
	}
	if errCreate := h.accounts.Create(ctx, account); errCreate != nil {
		return nil, errCreate
	}
	return account, nil
}

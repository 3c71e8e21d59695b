// Package oauth implements the Anthropic OAuth handshake and token refresh.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Anthropic OAuth endpoints and client settings.
const (
	anthropicClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicAuthorizeURL = "https://claude.ai/oauth/authorize"
	anthropicTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	anthropicRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	anthropicScopes       = "org:create_api_key user:profile user:inference"
)

// ErrRefreshTokenInvalid marks a refresh token the provider no longer
// accepts. The account cannot recover without a new handshake.
var ErrRefreshTokenInvalid = errors.New("oauth: refresh token invalid")

// tokenResponse is the provider token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // Seconds.
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// tokenClient posts grant requests to the token endpoint.
type tokenClient struct {
	httpClient *http.Client
	tokenURL   string
}

func newTokenClient(httpClient *http.Client, tokenURL string) *tokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(tokenURL) == "" {
		tokenURL = anthropicTokenURL
	}
	return &tokenClient{httpClient: httpClient, tokenURL: tokenURL}
}

// exchange swaps an authorization code for tokens.
func (c *tokenClient) exchange(ctx context.Context, code, state, verifier string) (*tokenResponse, error) {
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     anthropicClientID,
		"redirect_uri":  anthropicRedirectURI,
		"code_verifier": verifier,
	}
	return c.post(ctx, payload)
}

// refresh mints a new access token from a refresh token.
func (c *tokenClient) refresh(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     anthropicClientID,
	}
	return c.post(ctx, payload)
}

func (c *tokenClient) post(ctx context.Context, payload map[string]string) (*tokenResponse, error) {
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, fmt.Errorf("oauth: marshal grant request: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if errReq != nil {
		return nil, fmt.Errorf("oauth: build grant request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("oauth: token endpoint: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return nil, fmt.Errorf("oauth: read token response: %w", errRead)
	}

	if resp.StatusCode != http.StatusOK {
		if isInvalidGrant(resp.StatusCode, respBody) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("oauth: token endpoint status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var token tokenResponse
	if errUnmarshal := json.Unmarshal(respBody, &token); errUnmarshal != nil {
		return nil, fmt.Errorf("oauth: decode token response: %w", errUnmarshal)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("oauth: token response missing access token")
	}
	return &token, nil
}

// isInvalidGrant detects the terminal invalid_grant failure.
func isInvalidGrant(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	return bytes.Contains(body, []byte("invalid_grant"))
}

func truncate(data []byte, max int) string {
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}

package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relayops/claude-relay/internal/credentials"
	"github.com/relayops/claude-relay/internal/health"
	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/oauth"
	"github.com/relayops/claude-relay/internal/store"
)

// ManagementHandler serves the operator endpoints: account lifecycle,
// health checks, token refresh, and the OAuth pairing flow.
type ManagementHandler struct {
	accounts  *store.AccountStore
	keys      *store.APIKeyStore
	box       *credentials.Box
	checker   *health.Checker
	refresher *oauth.RefreshManager
	handshake *oauth.Handshake
}

// NewManagementHandler constructs a ManagementHandler.
func NewManagementHandler(accounts *store.AccountStore, keys *store.APIKeyStore, box *credentials.Box, checker *health.Checker, refresher *oauth.RefreshManager, handshake *oauth.Handshake) *ManagementHandler {
	return &ManagementHandler{
		accounts:  accounts,
		keys:      keys,
		box:       box,
		checker:   checker,
		refresher: refresher,
		handshake: handshake,
	}
}

// HealthCheck runs an on-demand health check for one account.
func (h *ManagementHandler) HealthCheck(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}
	result, errCheck := h.checker.Check(c.Request.Context(), account)
	if errCheck != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errCheck.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":       account.ID,
		"status":           result.Status,
		"message":          result.Message,
		"response_time_ms": result.ResponseTimeMs,
		"checked_at":       result.CheckedAt,
		"details":          result.Details,
	})
}

// RefreshAccount forces a token refresh for one OAuth account.
func (h *ManagementHandler) RefreshAccount(c *gin.Context) {
	result := h.refresher.RefreshAccount(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if result.Err != nil {
		status := http.StatusBadGateway
		if errors.Is(result.Err, store.ErrAccountNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"account_id": result.AccountID, "error": result.Err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": result.AccountID,
		"refreshed":  result.Refreshed,
		"expires_at": result.NewExpiresAt,
	})
}

// RefreshAll sweeps every OAuth account once.
func (h *ManagementHandler) RefreshAll(c *gin.Context) {
	results := h.refresher.CheckAndRefreshAll(c.Request.Context())
	out := make([]gin.H, 0, len(results))
	for _, result := range results {
		entry := gin.H{"account_id": result.AccountID, "refreshed": result.Refreshed}
		if result.Err != nil {
			entry["error"] = result.Err.Error()
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// AuthorizeURL starts an OAuth pairing and returns the URL to visit.
func (h *ManagementHandler) AuthorizeURL(c *gin.Context) {
	var body struct {
		UserID    uint64 `json:"user_id"`
		AccountID string `json:"account_id"`
	}
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	authURL, state, errGenerate := h.handshake.GenerateAuthURL(c.Request.Context(), body.UserID, strings.TrimSpace(body.AccountID))
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errGenerate.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": authURL, "state": state})
}

// ExchangeCode completes an OAuth pairing with the pasted code.
func (h *ManagementHandler) ExchangeCode(c *gin.Context) {
	var body struct {
		Code  string `json:"code"`
		State string `json:"state"`
		Name  string `json:"name"`
	}
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	account, errExchange := h.handshake.ExchangeCode(c.Request.Context(), strings.TrimSpace(body.State), strings.TrimSpace(body.Code), strings.TrimSpace(body.Name))
	if errExchange != nil {
		status := http.StatusBadGateway
		if errors.Is(errExchange, store.ErrSessionNotFound) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": errExchange.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": account.ID,
		"name":       account.Name,
		"type":       account.Type,
		"status":     account.Status,
	})
}

// CreateAccount registers an api-key upstream account.
func (h *ManagementHandler) CreateAccount(c *gin.Context) {
	var body struct {
		Name     string `json:"name"`
		UserID   uint64 `json:"user_id"`
		APIKey   string `json:"api_key"`
		BaseURL  string `json:"base_url"`
		Priority int    `json:"priority"`
		Weight   int    `json:"weight"`
	}
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing api_key"})
		return
	}

	sealed, errSeal := h.box.Seal(&credentials.Credentials{
		Type:   credentials.TypeAPIKey,
		APIKey: &credentials.APIKey{Key: strings.TrimSpace(body.APIKey), BaseURL: strings.TrimSpace(body.BaseURL)},
	})
	if errSeal != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "seal credentials failed"})
		return
	}

	account := &models.Account{
		Name:        strings.TrimSpace(body.Name),
		UserID:      body.UserID,
		Type:        models.AccountTypeAPIKey,
		Credentials: sealed,
		Priority:    body.Priority,
		Weight:      body.Weight,
	}
	if account.Name == "" {
		account.Name = "anthropic-api-key"
	}
	if errCreate := h.accounts.Create(c.Request.Context(), account); errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account_id": account.ID, "name": account.Name})
}

// ListAccounts returns account metadata, never credentials.
func (h *ManagementHandler) ListAccounts(c *gin.Context) {
	accounts, errList := h.accounts.ListCheckable(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list accounts failed"})
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, gin.H{
			"id":                 account.ID,
			"name":               account.Name,
			"type":               account.Type,
			"status":             account.Status,
			"priority":           account.Priority,
			"weight":             account.Weight,
			"request_count":      account.RequestCount,
			"success_count":      account.SuccessCount,
			"error_count":        account.ErrorCount,
			"transient_failures": account.TransientFailures,
			"last_used_at":       account.LastUsedAt,
			"last_health_check":  account.LastHealthCheck,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// UpdateAccountStatus enables or disables an account.
func (h *ManagementHandler) UpdateAccountStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status"`
	}
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	status := strings.TrimSpace(body.Status)
	if status != models.AccountStatusActive && status != models.AccountStatusInactive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active or inactive"})
		return
	}
	errUpdate := h.accounts.UpdateStatus(c.Request.Context(), strings.TrimSpace(c.Param("id")), status)
	if errors.Is(errUpdate, store.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update status failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateAPIKey mints a caller-facing relay key.
func (h *ManagementHandler) CreateAPIKey(c *gin.Context) {
	var body struct {
		Name      string `json:"name"`
		UserID    uint64 `json:"user_id"`
		RateLimit int    `json:"rate_limit"`
	}
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	token, errGenerate := generateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate api key failed"})
		return
	}
	row := &models.APIKey{
		Key:       token,
		Name:      strings.TrimSpace(body.Name),
		UserID:    body.UserID,
		IsActive:  true,
		RateLimit: body.RateLimit,
	}
	if errCreate := h.keys.Create(c.Request.Context(), row); errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create api key failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": row.ID, "name": row.Name, "key": token})
}

func (h *ManagementHandler) loadAccount(c *gin.Context) (*models.Account, bool) {
	account, errGet := h.accounts.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if errors.Is(errGet, store.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, false
	}
	if errGet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load account failed"})
		return nil, false
	}
	return account, true
}

func generateAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, errRead := rand.Read(raw); errRead != nil {
		return "", errRead
	}
	return "sk-relay-" + hex.EncodeToString(raw), nil
}

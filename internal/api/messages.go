package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relayops/claude-relay/internal/models"
	"github.com/relayops/claude-relay/internal/service"
)

// MessagesHandler serves the caller-facing messages endpoint.
type MessagesHandler struct {
	proxy *service.Proxy
}

// NewMessagesHandler constructs a MessagesHandler.
func NewMessagesHandler(proxy *service.Proxy) *MessagesHandler {
	return &MessagesHandler{proxy: proxy}
}

// Create relays one messages request upstream.
func (h *MessagesHandler) Create(c *gin.Context) {
	key, ok := c.MustGet(contextAPIKey).(*models.APIKey)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "missing key context"})
		return
	}

	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	h.proxy.Handle(c.Request.Context(), key, body, c.Writer)
}

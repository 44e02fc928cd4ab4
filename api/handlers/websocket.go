// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/termtab/backend/internal/ws"
)

// WebSocketHandler exposes the single multiplexing WebSocket endpoint. All
// terminal and tab traffic for every client flows through it.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	log       *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{wsHandler: wsHandler, log: log}
}

// Connect handles GET /ws, upgrading to a WebSocket connection that stays
// open for the life of the client.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		h.log.Warn("websocket connection failed", zap.Error(err))
	}
}

// Health handles GET /health.
func (h *WebSocketHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes registers the handler routes on a Gin engine.
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.Connect)
	r.GET("/health", h.Health)
}

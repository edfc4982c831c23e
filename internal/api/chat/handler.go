package chat

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/service"
	"go.uber.org/zap"
)

// ConversationHeader carries the conversation ID of a streamed answer
const ConversationHeader = "X-Conversation-ID"

// Handler handles chat API requests
type Handler struct {
	chatService *service.ChatService
	logger      *zap.Logger
}

// NewHandler creates a new chat handler
func NewHandler(chatService *service.ChatService, logger *zap.Logger) *Handler {
	return &Handler{chatService: chatService, logger: logger.Named("chat_api")}
}

// RegisterRoutes registers chat routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/:tenant_id", h.Chat)
	r.POST("/:tenant_id/stream", h.ChatStream)
	r.GET("/:tenant_id/conversations/:id/messages", h.Messages)
}

// Chat handles a chat message
func (h *Handler) Chat(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	resp, err := h.chatService.Chat(c.Request.Context(), tenantID, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ChatStream handles a streaming chat message (SSE)
func (h *Handler) ChatStream(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	convID, stream, err := h.chatService.ChatStream(c.Request.Context(), tenantID, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header(ConversationHeader, convID)

	c.Status(http.StatusOK)
	c.Writer.Flush()

	// the orchestrator closes stream once the request context is gone
	for ev := range stream {
		c.SSEvent(ev.Type, ev)
		c.Writer.Flush()
	}
}

// Messages lists the messages of a conversation
func (h *Handler) Messages(c *gin.Context) {
	messages, err := h.chatService.Messages(c.Request.Context(), c.Param("tenant_id"), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// writeError maps errors to fixed messages so no internal detail reaches the client
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		h.logger.Error("Chat request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/cache"
	"github.com/CUknot/collab_backend/chat"
	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/middleware"
	"github.com/CUknot/collab_backend/models"
)

// Publisher fans persisted messages out to realtime rooms and reports
// document presence.
type Publisher interface {
	PublishChat(msg *models.ChatMessage) int
	Presence(documentID string) []string
}

type SendMessageInput struct {
	Text        string `json:"text" binding:"required" example:"Hello, everyone!"`
	DisplayTime string `json:"displayTime" example:"9:41 AM"`
}

// ChatController serves chat history and out-of-band sends.
type ChatController struct {
	chat      *chat.Service
	publisher Publisher
	limiter   cache.Limiter
}

func NewChatController(chatService *chat.Service, publisher Publisher, limiter cache.Limiter) *ChatController {
	return &ChatController{chat: chatService, publisher: publisher, limiter: limiter}
}

// GetGlobalHistory godoc
// @Summary Get global chat history
// @Description Returns the most recent global chat messages, oldest first
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum number of messages (1-1000)" default(100)
// @Success 200 {object} map[string]interface{} "List of messages"
// @Failure 400 {object} map[string]string "Invalid limit"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat/global [get]
func (ctl *ChatController) GetGlobalHistory(c *gin.Context) {
	ctl.history(c, func(ctx context.Context, limit int) ([]models.ChatMessage, error) {
		return ctl.chat.History(ctx, models.ChatGlobal, models.GlobalScope, limit)
	})
}

// GetDocumentHistory godoc
// @Summary Get document chat history
// @Description Returns the most recent chat messages of a document, oldest first
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Param documentId path string true "Document ID"
// @Param limit query int false "Maximum number of messages (1-1000)" default(100)
// @Success 200 {object} map[string]interface{} "List of messages"
// @Failure 400 {object} map[string]string "Invalid limit"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat/documents/{documentId} [get]
func (ctl *ChatController) GetDocumentHistory(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("documentId"))
	ctl.history(c, func(ctx context.Context, limit int) ([]models.ChatMessage, error) {
		return ctl.chat.History(ctx, models.ChatDocument, documentID, limit)
	})
}

// GetPrivateHistory godoc
// @Summary Get private chat history
// @Description Returns the most recent private messages between the caller and a peer, oldest first
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Param peer path string true "Peer display name"
// @Param limit query int false "Maximum number of messages (1-1000)" default(100)
// @Success 200 {object} map[string]interface{} "List of messages"
// @Failure 400 {object} map[string]string "Invalid limit"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat/private/{peer} [get]
func (ctl *ChatController) GetPrivateHistory(c *gin.Context) {
	me := c.GetString(middleware.ContextUserName)
	peer := strings.TrimSpace(c.Param("peer"))
	ctl.history(c, func(ctx context.Context, limit int) ([]models.ChatMessage, error) {
		return ctl.chat.PrivateHistory(ctx, me, peer, limit)
	})
}

// SendGlobalMessage godoc
// @Summary Send a global chat message
// @Description Persists a global message and broadcasts it to the global chat room
// @Tags chat
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param message body SendMessageInput true "Message"
// @Success 201 {object} map[string]interface{} "Message sent successfully"
// @Failure 400 {object} map[string]string "Invalid input"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 429 {object} map[string]string "Rate limit exceeded"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat/global [post]
func (ctl *ChatController) SendGlobalMessage(c *gin.Context) {
	ctl.send(c, models.ChatGlobal, "")
}

// SendDocumentMessage godoc
// @Summary Send a document chat message
// @Description Persists a document message and broadcasts it to the document chat room
// @Tags chat
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param documentId path string true "Document ID"
// @Param message body SendMessageInput true "Message"
// @Success 201 {object} map[string]interface{} "Message sent successfully"
// @Failure 400 {object} map[string]string "Invalid input"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 429 {object} map[string]string "Rate limit exceeded"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat/documents/{documentId} [post]
func (ctl *ChatController) SendDocumentMessage(c *gin.Context) {
	ctl.send(c, models.ChatDocument, c.Param("documentId"))
}

// SendPrivateMessage godoc
// @Summary Send a private message
// @Description Persists a private message to a peer and broadcasts it to their private room
// @Tags chat
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param peer path string true "Recipient display name"
// @Param message body SendMessageInput true "Message"
// @Success 201 {object} map[string]interface{} "Message sent successfully"
// @Failure 400 {object} map[string]string "Invalid input"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 429 {object} map[string]string "Rate limit exceeded"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat/private/{peer} [post]
func (ctl *ChatController) SendPrivateMessage(c *gin.Context) {
	ctl.send(c, models.ChatPrivate, c.Param("peer"))
}

// ClearAll godoc
// @Summary Clear all chat history
// @Description Erases every global, document and private message. Requires the admin role.
// @Tags chat
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{} "Number of deleted messages"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 500 {object} map[string]string "Server error"
// @Router /api/chat [delete]
func (ctl *ChatController) ClearAll(c *gin.Context) {
	n, err := ctl.chat.ClearAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	logger.Log.Info("chat_cleared_by_admin", zap.String("user", c.GetString(middleware.ContextUserName)), zap.Int64("deleted", n))
	c.JSON(http.StatusOK, gin.H{"message": "Chat history cleared", "deleted": n})
}

// history runs load with the requested limit. Callers trim path parameters
// the way NewMessage trims targets.
func (ctl *ChatController) history(c *gin.Context, load func(ctx context.Context, limit int) ([]models.ChatMessage, error)) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		respondError(c, err)
		return
	}

	messages, err := load(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (ctl *ChatController) send(c *gin.Context, kind models.ChatKind, target string) {
	var input SendMessageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, apperrors.Validation(err.Error()))
		return
	}

	author := c.GetString(middleware.ContextUserName)
	if err := cache.Enforce(c.Request.Context(), ctl.limiter, author); err != nil {
		respondError(c, err)
		return
	}

	message, err := ctl.chat.Send(c.Request.Context(), kind, author, target, input.Text, input.DisplayTime)
	if err != nil {
		respondError(c, err)
		return
	}

	if ctl.publisher != nil {
		ctl.publisher.PublishChat(message)
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Message sent successfully",
		"data":    message,
	})
}

// parseLimit reads the limit query parameter, defaulting to 100 and
// clamping to [1, 1000].
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return chat.DefaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("limit must be an integer")
	}
	if limit < 1 {
		limit = 1
	}
	if limit > chat.MaxHistoryLimit {
		limit = chat.MaxHistoryLimit
	}
	return limit, nil
}

func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Log.Error("request_failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperrors.KindOf(err), "message": apperrors.Message(err)})
}

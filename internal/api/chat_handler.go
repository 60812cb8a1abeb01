package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cvfolio/internal/chat"
	"cvfolio/internal/database"
)

// ChatService 是 chat.Service 的接口视图。
type ChatService interface {
	Send(ctx context.Context, userID uint, text string) (*chat.Reply, error)
	History(ctx context.Context, userID uint, limit int) ([]database.ChatMessage, error)
	Clear(ctx context.Context, userID uint) error
}

// ChatHandler 是 AI 职业助手的 HTTP 入口。
type ChatHandler struct {
	chat ChatService
}

func NewChatHandler(svc ChatService) *ChatHandler {
	return &ChatHandler{chat: svc}
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

type chatMessageResponse struct {
	ID        uint      `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func newChatMessageResponse(m database.ChatMessage) chatMessageResponse {
	return chatMessageResponse{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

// SendMessage 发送一条消息并同步返回回复。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	reply, err := h.chat.Send(c.Request.Context(), userID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
			BadRequest(c, err.Error())
		case errors.Is(err, chat.ErrRateLimited):
			Error(c, http.StatusTooManyRequests, "hourly message limit reached")
		default:
			loggerFrom(c).Error("chat send failed", slog.Any("error", err))
			Error(c, http.StatusBadGateway, "assistant unavailable")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_message":      newChatMessageResponse(reply.UserMessage),
		"assistant_message": newChatMessageResponse(reply.AssistantMessage),
		"remaining":         reply.Remaining,
	})
}

// GetHistory 按时间顺序返回最近的聊天记录。
func (h *ChatHandler) GetHistory(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	rows, err := h.chat.History(c.Request.Context(), userID, queryInt(c, "limit", 50, 200))
	if err != nil {
		Internal(c, "failed to load history")
		return
	}
	out := make([]chatMessageResponse, 0, len(rows))
	for _, m := range rows {
		out = append(out, newChatMessageResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

// ClearHistory 清空聊天记录。
func (h *ChatHandler) ClearHistory(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}
	if err := h.chat.Clear(c.Request.Context(), userID); err != nil {
		Internal(c, "failed to clear history")
		return
	}
	c.Status(http.StatusNoContent)
}

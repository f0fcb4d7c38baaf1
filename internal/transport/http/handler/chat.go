package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Sapphire-Bridge/rag-foundation/internal/chat"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/response"
)

type ChatHandler struct {
	orchestrator *chat.Orchestrator
	chatRepo     *repository.ChatRepository
}

func NewChatHandler(orchestrator *chat.Orchestrator, chatRepo *repository.ChatRepository) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		chatRepo:     chatRepo,
	}
}

type ChatRequest struct {
	Question       string         `json:"question"`
	SessionID      string         `json:"session_id"`
	StoreIDs       []uint         `json:"store_ids" binding:"required,min=1"`
	Messages       []chat.Turn    `json:"messages"`
	Model          string         `json:"model"`
	MetadataFilter map[string]any `json:"metadata_filter"`
}

// Stream answers a question as an SSE stream. Everything that can reject
// the request happens before the first byte; once streaming starts, errors
// arrive as in-stream frames.
func (h *ChatHandler) Stream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	prepared, err := h.orchestrator.Prepare(c.Request.Context(), chat.Request{
		UserID:         userID,
		SessionID:      req.SessionID,
		Question:       req.Question,
		Messages:       req.Messages,
		StoreIDs:       req.StoreIDs,
		Model:          req.Model,
		MetadataFilter: req.MetadataFilter,
	})
	if err != nil {
		var validationErr *chat.ValidationError
		switch {
		case errors.As(err, &validationErr):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, validationErr.Reason)
		case errors.Is(err, chat.ErrStoreNotFound):
			response.Error(c, http.StatusNotFound, response.CodeStoreNotFound, "store not found")
		case errors.Is(err, chat.ErrRateLimited):
			response.Error(c, http.StatusTooManyRequests, response.CodeRateLimited, "too many chat requests, slow down")
		case errors.Is(err, chat.ErrBudgetExhausted):
			response.Error(c, http.StatusPaymentRequired, response.CodeBudgetExceeded, "monthly budget exhausted")
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "chat request failed")
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	h.orchestrator.Stream(c.Request.Context(), prepared, chat.NewSSEWriter(c.Writer))
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	sessions, err := h.chatRepo.ListSessions(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list sessions failed")
		return
	}
	views := make([]gin.H, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, gin.H{
			"id":         session.ID,
			"title":      session.Title,
			"store_id":   session.StoreID,
			"updated_at": session.UpdatedAt,
		})
	}
	response.OK(c, gin.H{"sessions": views})
}

func (h *ChatHandler) SessionMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("sessionID")

	session, err := h.chatRepo.GetSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "fetch session failed")
		return
	}
	if session == nil {
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "session not found")
		return
	}

	rows, err := h.chatRepo.RecentHistory(c.Request.Context(), userID, sessionID, 200)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "fetch messages failed")
		return
	}
	messages := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, gin.H{
			"role":       row.Role,
			"content":    row.Content,
			"created_at": row.CreatedAt,
		})
	}
	response.OK(c, gin.H{"session_id": sessionID, "messages": messages})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("sessionID")

	session, err := h.chatRepo.GetSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "fetch session failed")
		return
	}
	if session == nil {
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "session not found")
		return
	}

	if err := h.chatRepo.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete session failed")
		return
	}
	response.OK(c, nil)
}

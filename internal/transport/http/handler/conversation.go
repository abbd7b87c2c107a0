package handler

import (
	"github.com/gin-gonic/gin"

	"ragdesk/internal/app"
	"ragdesk/internal/model"
	"ragdesk/internal/transport/http/response"
)

type ConversationHandler struct {
	conversations *app.ConversationService
}

func NewConversationHandler(conversations *app.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	convs, total, err := h.conversations.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	response.OK(c, gin.H{"conversations": convs, "total": total})
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	msgs, err := h.conversations.Messages(c.Request.Context(), userID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	response.OK(c, gin.H{"conversation_id": id, "messages": msgs})
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.conversations.Delete(c.Request.Context(), userID, id); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": true, "conversation_id": id})
}

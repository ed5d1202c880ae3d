package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatstream/internal/models"
)

const defaultConversationTitle = "New conversation"

func (h *Handler) listConversations(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	list, err := h.conversations.List(c.Request.Context(), id.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, list)
}

type titleRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createConversation(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req titleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultConversationTitle
	}
	conv, err := h.conversations.Create(c.Request.Context(), id.UserID, title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	conv.Messages = make([]*models.Message, 0)
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) getConversation(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "conversation")
	if !ok {
		return
	}
	conv, err := h.conversations.Get(c.Request.Context(), id.UserID, convID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if conv.Messages == nil {
		conv.Messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) renameConversation(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "conversation")
	if !ok {
		return
	}
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.conversations.UpdateTitle(c.Request.Context(), id.UserID, convID, req.Title); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": convID, "title": strings.TrimSpace(req.Title)})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "conversation")
	if !ok {
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), id.UserID, convID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

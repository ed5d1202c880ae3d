package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatstream/internal/service/attachment"
	"chatstream/internal/service/chat"
	"chatstream/internal/sse"
)

type chatRequest struct {
	ConversationID int64              `json:"conversationId"`
	Message        string             `json:"message"`
	Images         []attachment.Input `json:"images"`
	Files          []attachment.Input `json:"files"`
}

// postChat runs one turn on the dispatcher. Turns on the same conversation are
// serialized. A turn that opens a conversation runs under a key of its own and
// holds the conversation key before the id reaches the client. Errors before
// the first frame are plain JSON responses.
func (h *Handler) postChat(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	key := conversationKey(req.ConversationID)
	if req.ConversationID == 0 {
		key = fmt.Sprintf("new:%d:%s", id.UserID, uuid.NewString())
	}
	err = h.dispatcher.Submit(c.Request.Context(), key, func(ctx context.Context) error {
		ex, err := h.chat.Prepare(ctx, chat.Request{
			UserID:         id.UserID,
			ConversationID: req.ConversationID,
			Message:        req.Message,
			Images:         req.Images,
			Files:          req.Files,
		})
		if err != nil {
			return err
		}
		if ex.Created {
			release, err := h.dispatcher.Hold(ctx, conversationKey(ex.Conversation.ID))
			if err != nil {
				return err
			}
			defer release()
		}
		return h.chat.Stream(ctx, ex, writer)
	})
	if err == nil {
		return
	}
	if writer.Started() {
		h.logger.Debug("chat stream ended with error", "user_id", id.UserID, "error", err)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	h.respondError(c, err)
}

func conversationKey(id int64) string {
	return fmt.Sprintf("conversation:%d", id)
}

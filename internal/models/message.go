package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Content holds only the text the
// author typed; document text lives in Files.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Images         []*MessageImage `json:"images"`
	Files          []*MessageFile  `json:"files"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageImage references an uploaded image by its public URL.
type MessageImage struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
}

// MessageFile keeps the text extracted from an attached document.
type MessageFile struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Content   string `json:"content"`
}

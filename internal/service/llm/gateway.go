// Package llm wraps the hosted chat model: streamed replies and one-shot titles.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"chatstream/internal/apperr"
	"chatstream/internal/models"
)

// Turn is one entry of the conversation history sent to the model.
type Turn struct {
	Role models.Role
	Text string
}

// Image rides along with the final user turn.
type Image struct {
	MediaType string
	Data      []byte
}

// Fragments is a one-shot, ordered sequence of reply text. Next returns io.EOF
// once the model has finished. Close releases the underlying stream and must
// be called even after io.EOF.
type Fragments interface {
	Next() (string, error)
	Close()
}

type streamFunc func(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error)

// Gateway talks to one configured chat model.
type Gateway struct {
	chat   model.BaseChatModel
	stream streamFunc
	logger *slog.Logger
}

// New builds a gateway over chat. Replies stream straight from the model.
func New(chat model.BaseChatModel, logger *slog.Logger) *Gateway {
	return &Gateway{
		chat: chat,
		stream: func(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return chat.Stream(ctx, input)
		},
		logger: logger,
	}
}

// StreamReply sends history, plus images on the last user turn, and returns
// the reply as it arrives.
func (g *Gateway) StreamReply(ctx context.Context, history []Turn, images []Image) (Fragments, error) {
	if len(history) == 0 {
		return nil, apperr.Invalid("history is empty")
	}
	reader, err := g.stream(ctx, toSchema(history, images))
	if err != nil {
		return nil, fmt.Errorf("%w: open model stream: %v", apperr.ErrUpstream, err)
	}
	return &streamFragments{reader: reader}, nil
}

func toSchema(history []Turn, images []Image) []*schema.Message {
	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}

	messages := make([]*schema.Message, 0, len(history))
	for i, turn := range history {
		role := schema.User
		if turn.Role == models.RoleAssistant {
			role = schema.Assistant
		}
		msg := &schema.Message{Role: role, Content: turn.Text}
		if i == lastUser && len(images) > 0 {
			parts := make([]schema.ChatMessagePart, 0, len(images)+1)
			for _, img := range images {
				parts = append(parts, schema.ChatMessagePart{
					Type: schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{
						URL:      dataURL(img),
						MIMEType: img.MediaType,
					},
				})
			}
			if turn.Text != "" {
				parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: turn.Text})
			}
			msg.Content = ""
			msg.MultiContent = parts
		}
		messages = append(messages, msg)
	}
	return messages
}

func dataURL(img Image) string {
	return "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

type streamFragments struct {
	reader *schema.StreamReader[*schema.Message]
}

func (f *streamFragments) Next() (string, error) {
	for {
		chunk, err := f.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: model stream: %v", apperr.ErrUpstream, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (f *streamFragments) Close() {
	f.reader.Close()
}

const titlePrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
	"The title should be within 30 characters and summarize the main topic of the conversation. " +
	"Output only the title; do not include any additional content."

// GenerateTitle asks the model for a short title. It never fails: on any
// error it falls back to the truncated user text.
func (g *Gateway) GenerateTitle(ctx context.Context, userText, assistantText string) string {
	fallback := FallbackTitle(userText)
	conversationText := fmt.Sprintf("User: %s\nAssistant: %s\n", userText, assistantText)
	resp, err := g.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage("Please generate a clean title using following conversation messages:\n\n" + conversationText),
	})
	if err != nil {
		g.logger.Warn("title generation failed", "error", err)
		return fallback
	}
	title := cleanTitle(resp.Content)
	if title == "" {
		return fallback
	}
	return title
}

// FallbackTitle is the first 30 characters of text, with "..." when cut.
func FallbackTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= 30 {
		return string(runes)
	}
	return string(runes[:30]) + "..."
}

func cleanTitle(raw string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	line = strings.TrimFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\'' || r == '`' || r == '*' || r == '#'
	})
	line = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
	if runes := []rune(line); len(runes) > 100 {
		line = string(runes[:100])
	}
	return line
}

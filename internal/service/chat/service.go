// Package chat runs one chat turn: it resolves the conversation, stores the
// user message with its attachments, streams the model reply as SSE frames and
// persists the result.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/models"
	"chatstream/internal/service/attachment"
	"chatstream/internal/service/conversation"
	"chatstream/internal/service/llm"
	"chatstream/internal/sse"
)

// StreamFailedMessage is the only error text a client sees once streaming has begun.
const StreamFailedMessage = "streaming failed"

const defaultTitle = "New conversation"

// Replier produces model replies and titles.
type Replier interface {
	StreamReply(ctx context.Context, history []llm.Turn, images []llm.Image) (llm.Fragments, error)
	GenerateTitle(ctx context.Context, userText, assistantText string) string
}

// Attachments stores images and extracts documents.
type Attachments interface {
	ProcessImages(ctx context.Context, userID int64, inputs []attachment.Input) ([]attachment.Image, error)
	ProcessDocuments(ctx context.Context, inputs []attachment.Input) ([]attachment.Document, error)
	DiscardImages(ctx context.Context, images []attachment.Image)
}

// Sink receives frames in order. *sse.Writer is the production sink.
type Sink interface {
	Send(sse.Frame) error
}

// Request is one inbound chat message. ConversationID zero starts a new conversation.
type Request struct {
	UserID         int64
	ConversationID int64
	Message        string
	Images         []attachment.Input
	Files          []attachment.Input
}

// Exchange is a prepared turn: the user message is stored and the model input is built.
type Exchange struct {
	UserID       int64
	Conversation *models.Conversation
	UserMessage  *models.Message
	// Created is set when the conversation was opened by this turn.
	Created bool

	text    string
	history []llm.Turn
	images  []llm.Image
}

// Service coordinates the store, attachments and model for chat turns.
type Service struct {
	store       *conversation.Store
	attachments Attachments
	replier     Replier
	logger      *slog.Logger
	timeout     time.Duration
}

// NewService wires the collaborators. timeout bounds the model stream and
// title call; zero means no limit.
func NewService(store *conversation.Store, attachments Attachments, replier Replier, logger *slog.Logger, timeout time.Duration) *Service {
	return &Service{
		store:       store,
		attachments: attachments,
		replier:     replier,
		logger:      logger,
		timeout:     timeout,
	}
}

// Prepare validates the request, processes attachments and persists the user
// message. Nothing has been streamed when it returns, so errors map to plain
// HTTP responses.
func (s *Service) Prepare(ctx context.Context, req Request) (*Exchange, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing user", apperr.ErrUnauthorized)
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Images) == 0 && len(req.Files) == 0 {
		return nil, apperr.Invalid("message is required")
	}

	var conv *models.Conversation
	if req.ConversationID > 0 {
		existing, err := s.store.Get(ctx, req.UserID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		conv = existing
	}

	images, err := s.attachments.ProcessImages(ctx, req.UserID, req.Images)
	if err != nil {
		return nil, err
	}
	docs, err := s.attachments.ProcessDocuments(ctx, req.Files)
	if err != nil {
		s.attachments.DiscardImages(ctx, images)
		return nil, err
	}

	ex := &Exchange{UserID: req.UserID, text: req.Message}
	if conv == nil {
		conv, err = s.store.Create(ctx, req.UserID, initialTitle(req.Message, images, docs))
		if err != nil {
			s.attachments.DiscardImages(ctx, images)
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		ex.Created = true
	}
	ex.Conversation = conv

	msg := conversation.NewMessage{Role: models.RoleUser, Content: req.Message}
	for _, img := range images {
		msg.Images = append(msg.Images, &models.MessageImage{URL: img.URL, Name: img.Name, MediaType: img.MediaType})
	}
	for _, doc := range docs {
		msg.Files = append(msg.Files, &models.MessageFile{Name: doc.Name, MediaType: doc.MediaType, Content: doc.Content})
	}
	stored, err := s.store.AppendMessage(ctx, req.UserID, conv.ID, msg)
	if err != nil {
		if ex.Created {
			if derr := s.store.Delete(context.WithoutCancel(ctx), req.UserID, conv.ID); derr != nil {
				s.logger.Warn("drop empty conversation failed", "conversation_id", conv.ID, "error", derr)
			}
		}
		s.attachments.DiscardImages(ctx, images)
		return nil, fmt.Errorf("store user message: %w", err)
	}
	ex.UserMessage = stored

	for _, m := range conv.Messages {
		ex.history = append(ex.history, llm.Turn{Role: m.Role, Text: modelText(m.Content, m.Files)})
	}
	ex.history = append(ex.history, llm.Turn{Role: models.RoleUser, Text: modelText(req.Message, stored.Files)})
	for _, img := range images {
		ex.images = append(ex.images, llm.Image{MediaType: img.MediaType, Data: img.Data})
	}
	return ex, nil
}

// Stream emits the preamble, forwards reply fragments, persists the reply and,
// for a new conversation with typed text, a generated title. Any failure after
// the preamble produces one error frame and no assistant message.
func (s *Service) Stream(ctx context.Context, ex *Exchange, sink Sink) error {
	if err := sink.Send(preamble(ex)); err != nil {
		return fmt.Errorf("send preamble: %w", err)
	}

	ctx = llm.WithUser(ctx, ex.UserID)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply, err := s.forward(ctx, ex, sink)
	if err != nil {
		return s.fail(ex, sink, err)
	}
	if _, err := s.store.AppendMessage(ctx, ex.UserID, ex.Conversation.ID, conversation.NewMessage{
		Role:    models.RoleAssistant,
		Content: reply,
	}); err != nil {
		return s.fail(ex, sink, fmt.Errorf("store reply: %w", err))
	}

	if ex.Created && strings.TrimSpace(ex.text) != "" {
		if err := s.retitle(ctx, ex, reply, sink); err != nil {
			return err
		}
	}

	if err := sink.Send(sse.Done{}); err != nil {
		return fmt.Errorf("send done: %w", err)
	}
	return nil
}

func (s *Service) forward(ctx context.Context, ex *Exchange, sink Sink) (string, error) {
	frags, err := s.replier.StreamReply(ctx, ex.history, ex.images)
	if err != nil {
		return "", err
	}
	defer frags.Close()

	var reply strings.Builder
	for {
		chunk, err := frags.Next()
		if errors.Is(err, io.EOF) {
			return reply.String(), nil
		}
		if err != nil {
			return "", err
		}
		if chunk == "" {
			continue
		}
		reply.WriteString(chunk)
		if err := sink.Send(sse.Content{Content: chunk}); err != nil {
			return "", fmt.Errorf("send content: %w", err)
		}
	}
}

func (s *Service) retitle(ctx context.Context, ex *Exchange, reply string, sink Sink) error {
	title := s.replier.GenerateTitle(ctx, ex.text, reply)
	if title == "" {
		return nil
	}
	if err := s.store.UpdateTitle(ctx, ex.UserID, ex.Conversation.ID, title); err != nil {
		s.logger.Warn("store generated title failed", "conversation_id", ex.Conversation.ID, "error", err)
		return nil
	}
	ex.Conversation.Title = title
	if err := sink.Send(sse.Title{Title: title}); err != nil {
		return fmt.Errorf("send title: %w", err)
	}
	return nil
}

func (s *Service) fail(ex *Exchange, sink Sink, err error) error {
	s.logger.Error("chat stream failed",
		"user_id", ex.UserID,
		"conversation_id", ex.Conversation.ID,
		"error", err,
	)
	if serr := sink.Send(sse.Error{Message: StreamFailedMessage}); serr != nil {
		s.logger.Debug("send error frame failed", "error", serr)
	}
	return err
}

func preamble(ex *Exchange) sse.Preamble {
	p := sse.Preamble{
		ConversationID: ex.Conversation.ID,
		UserMessageID:  ex.UserMessage.ID,
	}
	for _, img := range ex.UserMessage.Images {
		p.Images = append(p.Images, sse.ImageMeta{ID: img.ID, URL: img.URL, Name: img.Name, MediaType: img.MediaType})
	}
	for _, f := range ex.UserMessage.Files {
		p.Files = append(p.Files, sse.FileMeta{ID: f.ID, Name: f.Name, MediaType: f.MediaType})
	}
	return p
}

// initialTitle is the typed text prefix, else the first attachment name.
func initialTitle(text string, images []attachment.Image, docs []attachment.Document) string {
	if strings.TrimSpace(text) != "" {
		return llm.FallbackTitle(strings.TrimSpace(text))
	}
	if len(images) > 0 {
		return images[0].Name
	}
	if len(docs) > 0 {
		return docs[0].Name
	}
	return defaultTitle
}

// modelText appends extracted file text to what the user typed. Only the typed
// text is stored as the message content.
func modelText(text string, files []*models.MessageFile) string {
	if len(files) == 0 {
		return text
	}
	parts := make([]string, 0, len(files)+1)
	if strings.TrimSpace(text) != "" {
		parts = append(parts, text)
	}
	for _, f := range files {
		parts = append(parts, attachment.Document{Name: f.Name, MediaType: f.MediaType, Content: f.Content}.Block())
	}
	return strings.Join(parts, "\n\n")
}

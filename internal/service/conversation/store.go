// Package conversation persists conversations and their messages, always
// scoped to the owning user.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/models"
)

// ErrNotFound is returned for conversations that do not exist or belong to
// someone else.
var ErrNotFound = fmt.Errorf("conversation %w", apperr.ErrNotFound)

// Store is the conversation repository.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewMessage is a message to append. Attachment IDs are assigned on insert.
type NewMessage struct {
	Role    models.Role
	Content string
	Images  []*models.MessageImage
	Files   []*models.MessageFile
}

// Create inserts an empty conversation.
func (s *Store) Create(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Messages:  []*models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// List returns the user's conversations, most recently active first.
func (s *Store) List(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Get returns one conversation with its ordered messages and their attachments.
func (s *Store) Get(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	messages, err := s.messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.Messages = messages
	return &c, nil
}

// messages loads everything in three flat queries; each result set is drained
// before the next is opened.
func (s *Store) messages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]*models.Message, 0)
	byID := make(map[int64]*models.Message)
	for rows.Next() {
		m := &models.Message{Images: []*models.MessageImage{}, Files: []*models.MessageFile{}}
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		messages = append(messages, m)
		byID[m.ID] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	imgRows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.message_id, i.url, i.name, i.media_type
		 FROM message_images i JOIN messages m ON m.id = i.message_id
		 WHERE m.conversation_id = ? ORDER BY i.id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	for imgRows.Next() {
		img := new(models.MessageImage)
		if err := imgRows.Scan(&img.ID, &img.MessageID, &img.URL, &img.Name, &img.MediaType); err != nil {
			imgRows.Close()
			return nil, fmt.Errorf("scan image: %w", err)
		}
		if m, ok := byID[img.MessageID]; ok {
			m.Images = append(m.Images, img)
		}
	}
	imgRows.Close()
	if err := imgRows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	fileRows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.message_id, f.name, f.media_type, f.content
		 FROM message_files f JOIN messages m ON m.id = f.message_id
		 WHERE m.conversation_id = ? ORDER BY f.id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		f := new(models.MessageFile)
		if err := fileRows.Scan(&f.ID, &f.MessageID, &f.Name, &f.MediaType, &f.Content); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if m, ok := byID[f.MessageID]; ok {
			m.Files = append(m.Files, f)
		}
	}
	if err := fileRows.Err(); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return messages, nil
}

// AppendMessage stores a message and its attachments in one transaction and
// bumps the conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, userID, conversationID int64, msg NewMessage) (_ *models.Message, err error) {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return nil, apperr.Invalid("unknown role %q", msg.Role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		err = ErrNotFound
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, string(msg.Role), msg.Content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	out := &models.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Images:         make([]*models.MessageImage, 0, len(msg.Images)),
		Files:          make([]*models.MessageFile, 0, len(msg.Files)),
		CreatedAt:      now,
	}
	for _, img := range msg.Images {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO message_images (message_id, url, name, media_type) VALUES (?, ?, ?, ?)`,
			messageID, img.URL, img.Name, img.MediaType,
		)
		if err != nil {
			return nil, fmt.Errorf("insert image: %w", err)
		}
		rec := *img
		rec.MessageID = messageID
		if rec.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("image id: %w", err)
		}
		out.Images = append(out.Images, &rec)
	}
	for _, f := range msg.Files {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO message_files (message_id, name, media_type, content) VALUES (?, ?, ?, ?)`,
			messageID, f.Name, f.MediaType, f.Content,
		)
		if err != nil {
			return nil, fmt.Errorf("insert file: %w", err)
		}
		rec := *f
		rec.MessageID = messageID
		if rec.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("file id: %w", err)
		}
		out.Files = append(out.Files, &rec)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return out, nil
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, userID, conversationID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.Invalid("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().UTC(), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a conversation and everything under it.
func (s *Store) Delete(ctx context.Context, userID, conversationID int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		err = ErrNotFound
		return err
	}

	// Children go first so MySQL tables without enforced FKs stay clean too.
	statements := []string{
		`DELETE FROM message_images WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM message_files WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	}
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

package conversation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/apperr"
	"chatstream/internal/config"
	"chatstream/internal/models"
	"chatstream/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := storage.Open("sqlite3", &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

func insertUser(t *testing.T, db *sql.DB, email string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (name, email, password_hash, status, created_at) VALUES ('', ?, '', 'approved', ?)`,
		email, time.Now().UTC())
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestAppendAndGetWithAttachments(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner@example.com")

	conv, err := store.Create(ctx, owner, "Hello")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)

	userMsg, err := store.AppendMessage(ctx, owner, conv.ID, NewMessage{
		Role:    models.RoleUser,
		Content: "look at this",
		Images:  []*models.MessageImage{{URL: "/uploads/a.png", Name: "a.png", MediaType: "image/png"}},
		Files:   []*models.MessageFile{{Name: "notes.txt", MediaType: "text/plain", Content: "hello notes"}},
	})
	require.NoError(t, err)
	require.Len(t, userMsg.Images, 1)
	assert.Equal(t, userMsg.ID, userMsg.Images[0].MessageID)
	assert.NotZero(t, userMsg.Files[0].ID)

	_, err = store.AppendMessage(ctx, owner, conv.ID, NewMessage{Role: models.RoleAssistant, Content: "nice"})
	require.NoError(t, err)

	got, err := store.Get(ctx, owner, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "look at this", got.Messages[0].Content)
	assert.Equal(t, "/uploads/a.png", got.Messages[0].Images[0].URL)
	assert.Equal(t, "hello notes", got.Messages[0].Files[0].Content)
	assert.Equal(t, models.RoleAssistant, got.Messages[1].Role)
	assert.Empty(t, got.Messages[1].Images)
	assert.False(t, got.UpdatedAt.Before(conv.UpdatedAt))
}

func TestListOrdersByActivity(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner@example.com")
	other := insertUser(t, db, "other@example.com")

	first, err := store.Create(ctx, owner, "first")
	require.NoError(t, err)
	_, err = store.Create(ctx, owner, "second")
	require.NoError(t, err)
	_, err = store.Create(ctx, other, "not mine")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = store.AppendMessage(ctx, owner, first.ID, NewMessage{Role: models.RoleUser, Content: "bump"})
	require.NoError(t, err)

	list, err := store.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Title)
	assert.Equal(t, "second", list[1].Title)
}

func TestForeignConversationIsNotFound(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner@example.com")
	intruder := insertUser(t, db, "intruder@example.com")

	conv, err := store.Create(ctx, owner, "private")
	require.NoError(t, err)

	_, err = store.Get(ctx, intruder, conv.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.AppendMessage(ctx, intruder, conv.ID, NewMessage{Role: models.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, store.UpdateTitle(ctx, intruder, conv.ID, "stolen"), apperr.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, intruder, conv.ID), apperr.ErrNotFound)

	got, err := store.Get(ctx, owner, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "private", got.Title)
	assert.Empty(t, got.Messages)
}

func TestDeleteCascadesAndIsNotRepeatable(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner@example.com")

	conv, err := store.Create(ctx, owner, "doomed")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, owner, conv.ID, NewMessage{
		Role:    models.RoleUser,
		Content: "x",
		Images:  []*models.MessageImage{{URL: "u", MediaType: "image/png"}},
		Files:   []*models.MessageFile{{Name: "f", MediaType: "text/plain", Content: "c"}},
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, owner, conv.ID))
	for _, table := range []string{"messages", "message_images", "message_files"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
	assert.ErrorIs(t, store.Delete(ctx, owner, conv.ID), apperr.ErrNotFound)
}

func TestUpdateTitleValidation(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner@example.com")
	conv, err := store.Create(ctx, owner, "old")
	require.NoError(t, err)

	assert.ErrorIs(t, store.UpdateTitle(ctx, owner, conv.ID, "   "), apperr.ErrInvalid)
	require.NoError(t, store.UpdateTitle(ctx, owner, conv.ID, " new title "))
	got, err := store.Get(ctx, owner, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner@example.com")
	conv, err := store.Create(ctx, owner, "t")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, owner, conv.ID, NewMessage{Role: "system", Content: "x"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

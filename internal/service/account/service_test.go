package account

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"chatstream/internal/apperr"
	"chatstream/internal/auth"
	"chatstream/internal/config"
	"chatstream/internal/logging"
	"chatstream/internal/models"
	"chatstream/internal/storage"
)

type recordingRevoker struct {
	revoked []int64
}

func (r *recordingRevoker) RevokeUserTokens(_ context.Context, userID int64) error {
	r.revoked = append(r.revoked, userID)
	return nil
}

func newTestService(t *testing.T, admins ...string) (*Service, *sql.DB, *recordingRevoker) {
	t.Helper()
	db, err := storage.Open("sqlite3", &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })

	revoker := &recordingRevoker{}
	svc := NewService(db, revoker, auth.NewAdminList(admins), logging.Discard())
	svc.cost = bcrypt.MinCost
	return svc, db, revoker
}

func TestRegisterAssignsStatus(t *testing.T) {
	svc, _, _ := newTestService(t, "boss@example.com")
	ctx := context.Background()

	admin, err := svc.Register(ctx, RegisterInput{Name: "Boss", Email: "Boss@Example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, admin.Status)
	assert.Equal(t, "boss@example.com", admin.Email)

	user, err := svc.Register(ctx, RegisterInput{Name: "Ann", Email: "ann@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, user.Status)
	assert.NotEqual(t, "secret1", user.PasswordHash)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "", Password: "secret1"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "secret1"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "12345"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "123456"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Email: "A@example.com", Password: "123456"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAuthenticateByStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Email: "u@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "u@example.com", "secret1")
	require.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, "account pending approval", apperr.Message(err))

	_, err = svc.SetStatus(ctx, user.ID, models.StatusRejected)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "u@example.com", "secret1")
	assert.Equal(t, "account rejected", apperr.Message(err))

	_, err = svc.SetStatus(ctx, user.ID, models.StatusApproved)
	require.NoError(t, err)
	got, err := svc.Authenticate(ctx, " U@example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.Authenticate(ctx, "u@example.com", "wrong-pass")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = svc.Authenticate(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestUpdateProfile(t *testing.T) {
	svc, _, _ := newTestService(t, "me@example.com")
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterInput{Name: "Old", Email: "me@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.UpdateProfile(ctx, user.ID, ProfileUpdate{})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	name := "New"
	updated, err := svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Name)

	_, err = svc.UpdateProfile(ctx, user.ID, ProfileUpdate{NewPassword: "another1"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = svc.UpdateProfile(ctx, user.ID, ProfileUpdate{CurrentPassword: "wrong", NewPassword: "another1"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = svc.UpdateProfile(ctx, user.ID, ProfileUpdate{CurrentPassword: "secret1", NewPassword: "short"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.UpdateProfile(ctx, user.ID, ProfileUpdate{CurrentPassword: "secret1", NewPassword: "another1"})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "me@example.com", "another1")
	require.NoError(t, err)
}

func TestListUsersOrdersPendingFirst(t *testing.T) {
	svc, db, _ := newTestService(t, "admin@example.com")
	ctx := context.Background()

	admin, err := svc.Register(ctx, RegisterInput{Email: "admin@example.com", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Email: "p1@example.com", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Email: "p2@example.com", Password: "secret1"})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, 't', ?, ?)`, admin.ID, now, now)
	require.NoError(t, err)

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, models.StatusPending, users[0].Status)
	assert.Equal(t, "p2@example.com", users[0].Email)
	assert.Equal(t, "p1@example.com", users[1].Email)
	assert.Equal(t, "admin@example.com", users[2].Email)
	assert.Equal(t, 1, users[2].ConversationCount)
}

func TestSetStatusRevokesSessions(t *testing.T) {
	svc, _, revoker := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterInput{Email: "u@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, user.ID, models.StatusApproved)
	require.NoError(t, err)
	assert.Empty(t, revoker.revoked)

	_, err = svc.SetStatus(ctx, user.ID, models.StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, []int64{user.ID}, revoker.revoked)

	_, err = svc.SetStatus(ctx, user.ID, models.UserStatus("banned"))
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = svc.SetStatus(ctx, 9999, models.StatusApproved)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteUserCascades(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	admin, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "secret1"})
	require.NoError(t, err)
	user, err := svc.Register(ctx, RegisterInput{Email: "b@example.com", Password: "secret1"})
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, 't', ?, ?)`, user.ID, now, now)
	require.NoError(t, err)

	err = svc.DeleteUser(ctx, admin.ID, admin.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	require.NoError(t, svc.DeleteUser(ctx, admin.ID, user.ID))
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, user.ID).Scan(&count))
	assert.Zero(t, count)

	err = svc.DeleteUser(ctx, admin.ID, user.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

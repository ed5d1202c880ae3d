// Package account owns user registration, credentials, profiles and the admin
// approval workflow.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chatstream/internal/apperr"
	"chatstream/internal/auth"
	"chatstream/internal/models"
)

const minPasswordLen = 6

// TokenRevoker drops every session a user holds.
type TokenRevoker interface {
	RevokeUserTokens(ctx context.Context, userID int64) error
}

// Service handles user lifecycle.
type Service struct {
	db     *sql.DB
	tokens TokenRevoker
	admins auth.AdminList
	logger *slog.Logger
	cost   int
}

// NewService builds the account service. Emails in admins are approved on
// registration.
func NewService(db *sql.DB, tokens TokenRevoker, admins auth.AdminList, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		tokens: tokens,
		admins: admins,
		logger: logger,
		cost:   12,
	}
}

// SetHashCost overrides the bcrypt cost used for new password hashes.
func (s *Service) SetHashCost(cost int) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return
	}
	s.cost = cost
}

// RegisterInput carries the sign-up form.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Register creates a user. Allow-listed emails start approved, everyone else pending.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, apperr.Invalid("email and password are required")
	}
	if len(in.Password) < minPasswordLen {
		return nil, apperr.Invalid("password must be at least %d characters", minPasswordLen)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: email already registered", apperr.ErrConflict)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	status := models.StatusPending
	if s.admins.Contains(email) {
		status = models.StatusApproved
	}
	name := strings.TrimSpace(in.Name)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, password_hash, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, email, string(hash), string(status), now,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: email already registered", apperr.ErrConflict)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	s.logger.Info("user registered", "user_id", id, "status", status)
	return &models.User{ID: id, Name: name, Email: email, PasswordHash: string(hash), Status: status, CreatedAt: now}, nil
}

// Authenticate checks credentials. Only approved users may sign in.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Invalid("email and password are required")
	}
	user, err := s.lookup(ctx, `SELECT id, name, email, password_hash, status, created_at FROM users WHERE email = ?`, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
	}
	switch user.Status {
	case models.StatusApproved:
		return user, nil
	case models.StatusRejected:
		return nil, fmt.Errorf("%w: account rejected", apperr.ErrForbidden)
	default:
		return nil, fmt.Errorf("%w: account pending approval", apperr.ErrForbidden)
	}
}

// Profile returns the user record.
func (s *Service) Profile(ctx context.Context, userID int64) (*models.User, error) {
	return s.lookup(ctx, `SELECT id, name, email, password_hash, status, created_at FROM users WHERE id = ?`, userID)
}

// ProfileUpdate changes the display name and/or password. A nil Name leaves it alone.
type ProfileUpdate struct {
	Name            *string
	CurrentPassword string
	NewPassword     string
}

// UpdateProfile applies the update. Changing the password requires the current one.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, upd ProfileUpdate) (*models.User, error) {
	if upd.Name == nil && upd.NewPassword == "" {
		return nil, apperr.Invalid("nothing to update")
	}
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.NewPassword != "" {
		if upd.CurrentPassword == "" {
			return nil, apperr.Invalid("current password is required")
		}
		if len(upd.NewPassword) < minPasswordLen {
			return nil, apperr.Invalid("new password must be at least %d characters", minPasswordLen)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(upd.CurrentPassword)); err != nil {
			return nil, apperr.Invalid("current password is incorrect")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(upd.NewPassword), s.cost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}
	if upd.Name != nil {
		user.Name = strings.TrimSpace(*upd.Name)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, password_hash = ? WHERE id = ?`,
		user.Name, user.PasswordHash, userID,
	); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// ListUsers returns every user with conversation counts, pending first, then newest.
func (s *Service) ListUsers(ctx context.Context) ([]models.UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.status, u.created_at,
		       (SELECT COUNT(*) FROM conversations c WHERE c.user_id = u.id)
		FROM users u
		ORDER BY CASE u.status WHEN 'pending' THEN 0 WHEN 'approved' THEN 1 ELSE 2 END,
		         u.created_at DESC, u.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := make([]models.UserSummary, 0)
	for rows.Next() {
		var (
			u      models.UserSummary
			status string
		)
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &status, &u.CreatedAt, &u.ConversationCount); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Status = models.UserStatus(status)
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetStatus moves a user through the approval workflow. Leaving approved
// revokes the user's sessions.
func (s *Service) SetStatus(ctx context.Context, userID int64, status models.UserStatus) (*models.User, error) {
	if !status.Valid() {
		return nil, apperr.Invalid("invalid status %q", status)
	}
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, string(status), userID); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if status != models.StatusApproved && s.tokens != nil {
		if err := s.tokens.RevokeUserTokens(ctx, userID); err != nil {
			return nil, err
		}
	}
	s.logger.Info("user status changed", "user_id", userID, "from", user.Status, "to", status)
	user.Status = status
	return user, nil
}

// DeleteUser removes a user and everything they own. Admins cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, actorID, userID int64) error {
	if actorID == userID {
		return apperr.Invalid("cannot delete your own account")
	}
	if s.tokens != nil {
		if err := s.tokens.RevokeUserTokens(ctx, userID); err != nil {
			return err
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %w", apperr.ErrNotFound)
	}
	s.logger.Info("user deleted", "user_id", userID, "by", actorID)
	return nil
}

func (s *Service) lookup(ctx context.Context, query string, arg any) (*models.User, error) {
	var (
		user   models.User
		status string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &status, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %w", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.Status = models.UserStatus(status)
	return &user, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", apperr.Invalid("email and password are required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Invalid("invalid email address")
	}
	return email, nil
}

func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatstream/internal/apperr"
	"chatstream/internal/models"
)

// Identity is the authenticated caller resolved for one request.
type Identity struct {
	UserID  int64
	Email   string
	Status  models.UserStatus
	IsAdmin bool
}

// AdminList is the set of administrator emails, stored lowercase.
type AdminList map[string]struct{}

// NewAdminList normalizes emails into an AdminList. Blank entries are skipped.
func NewAdminList(emails []string) AdminList {
	list := make(AdminList, len(emails))
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		list[email] = struct{}{}
	}
	return list
}

// Contains reports whether email is an administrator, ignoring case.
func (l AdminList) Contains(email string) bool {
	_, ok := l[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Resolve loads the identity behind authToken. Tokens of users that are not
// approved resolve to ErrForbidden.
func (s *Service) Resolve(ctx context.Context, authToken string) (Identity, error) {
	userID, err := s.ValidateToken(ctx, authToken)
	if err != nil {
		return Identity{}, err
	}
	var (
		email  string
		status string
	)
	err = s.db.QueryRowContext(ctx, `SELECT email, status FROM users WHERE id = ?`, userID).Scan(&email, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = s.RevokeToken(ctx, authToken)
			return Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
		}
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	id := Identity{
		UserID:  userID,
		Email:   email,
		Status:  models.UserStatus(status),
		IsAdmin: s.admins.Contains(email),
	}
	if id.Status != models.StatusApproved {
		return Identity{}, fmt.Errorf("%w: account not approved", apperr.ErrForbidden)
	}
	return id, nil
}

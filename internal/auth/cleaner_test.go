package auth

import (
	"context"
	"testing"
	"time"

	"chatstream/internal/models"
)

func TestPurgeExpiredKeepsLiveTokens(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 5, "five@example.com", models.StatusApproved)

	svc := NewService(db, nil, nil, time.Hour)
	live, err := svc.IssueToken(context.Background(), 5)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := db.Exec(`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES ('stale', 5, ?, ?)`, past, past); err != nil {
		t.Fatalf("insert stale token: %v", err)
	}

	n, err := svc.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged token, got %d", n)
	}
	if _, err := svc.ValidateToken(context.Background(), live); err != nil {
		t.Fatalf("live token should survive: %v", err)
	}
}

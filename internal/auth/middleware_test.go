package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatstream/internal/models"
)

func newMiddlewareRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	protected := router.Group("/", svc.Middleware(), svc.CSRFMiddleware())
	protected.GET("/me", func(c *gin.Context) {
		id, _ := IdentityFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id.UserID})
	})
	protected.POST("/write", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	protected.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func TestMiddlewareStatuses(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 1, "admin@example.com", models.StatusApproved)
	insertUser(t, db, 2, "user@example.com", models.StatusApproved)
	insertUser(t, db, 3, "nope@example.com", models.StatusRejected)

	svc := NewService(db, nil, NewAdminList([]string{"admin@example.com"}), time.Hour)
	router := newMiddlewareRouter(svc)
	ctx := context.Background()
	adminToken, _ := svc.IssueToken(ctx, 1)
	userToken, _ := svc.IssueToken(ctx, 2)
	rejectedToken, _ := svc.IssueToken(ctx, 3)

	cases := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"no token", "/me", "", http.StatusUnauthorized},
		{"bad token", "/me", "deadbeef", http.StatusUnauthorized},
		{"approved", "/me", userToken, http.StatusOK},
		{"rejected", "/me", rejectedToken, http.StatusForbidden},
		{"non-admin", "/admin", userToken, http.StatusForbidden},
		{"admin", "/admin", adminToken, http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestCSRFRequiredForCookieWrites(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 1, "user@example.com", models.StatusApproved)

	svc := NewService(db, nil, nil, time.Hour)
	router := newMiddlewareRouter(svc)
	token, _ := svc.IssueToken(context.Background(), 1)

	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	req.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "csrf"})
	req.Header.Set(svc.CSRFHeaderName(), "csrf")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with csrf, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected bearer write to skip csrf, got %d", rec.Code)
	}
}

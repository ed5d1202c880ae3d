package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatstream/internal/apperr"
	"chatstream/internal/auth"
	"chatstream/internal/objectstore"
	"chatstream/internal/service/account"
	"chatstream/internal/service/chat"
	"chatstream/internal/service/conversation"
	"chatstream/internal/worker"
)

// Deps are the services the HTTP layer routes to.
type Deps struct {
	Accounts      *account.Service
	Auth          *auth.Service
	Conversations *conversation.Store
	Chat          *chat.Service
	Dispatcher    *worker.Dispatcher
	Logger        *slog.Logger
	// UploadDir is served under /uploads when images are kept on local disk.
	UploadDir string
}

// Handler wires HTTP routes to the account, conversation and chat services.
type Handler struct {
	accounts      *account.Service
	auth          *auth.Service
	conversations *conversation.Store
	chat          *chat.Service
	dispatcher    *worker.Dispatcher
	logger        *slog.Logger
	uploadDir     string
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accounts:      d.Accounts,
		auth:          d.Auth,
		conversations: d.Conversations,
		chat:          d.Chat,
		dispatcher:    d.Dispatcher,
		logger:        logger,
		uploadDir:     d.UploadDir,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	if h.uploadDir != "" {
		router.Static(objectstore.LocalURLPrefix, h.uploadDir)
	}

	api := router.Group("/api")
	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.logout)
	authed.GET("/user", h.getProfile)
	authed.PATCH("/user", h.updateProfile)
	authed.GET("/conversations", h.listConversations)
	authed.POST("/conversations", h.createConversation)
	authed.GET("/conversations/:id", h.getConversation)
	authed.PATCH("/conversations/:id", h.renameConversation)
	authed.DELETE("/conversations/:id", h.deleteConversation)
	authed.POST("/chat", h.postChat)

	admin := authed.Group("/admin")
	admin.Use(auth.RequireAdmin())
	admin.GET("/users", h.listUsers)
	admin.PATCH("/users/:id", h.setUserStatus)
	admin.DELETE("/users/:id", h.deleteUser)
}

// identity returns the caller or writes a 401.
func (h *Handler) identity(c *gin.Context) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return auth.Identity{}, false
	}
	return id, true
}

func pathID(c *gin.Context, what string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return 0, false
	}
	return id, true
}

// respondError writes err as {"error": ...} with the status of its kind.
// Internal failures are logged and reported without detail.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, worker.ErrKeyBusy) {
		status = http.StatusTooManyRequests
		c.JSON(status, gin.H{"error": "server is busy, please retry"})
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	searchRateLimit   = 5
	searchRateWindow  = time.Minute
	searchHTTPTimeout = 10 * time.Second
	maxFetchBytes     = 512 * 1024
)

type userContextKey struct{}

// WithUser tags ctx with the user a reply is generated for, so tool calls can
// be rate limited per user.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

func userFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userContextKey{}).(int64)
	return id, ok && id > 0
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *rateLimiter
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

// newWebSearch returns nil when no search provider can be built. Google is
// used when GOOGLE_API_KEY and GOOGLE_SEARCH_ENGINE_ID are set; DuckDuckGo
// needs no key.
func newWebSearch(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	ws := &webSearchTool{
		google:     newGoogleSearch(ctx, logger),
		duck:       newDuckDuckGo(ctx, logger),
		httpClient: &http.Client{Timeout: searchHTTPTimeout},
		limiter:    newRateLimiter(searchRateLimit, searchRateWindow),
		logger:     logger,
	}
	if ws.google == nil && ws.duck == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information. Falls back to another provider if one fails. " +
			"Pass a URL to read that page directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	key := "anonymous"
	if userID, ok := userFromContext(ctx); ok {
		key = fmt.Sprintf("user:%d", userID)
	}
	if !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.Debug("web url fetch failed", "url", query, "error", err)
	}

	payload, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	providers := []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}}
	for _, p := range providers {
		if p.tool == nil {
			continue
		}
		result, err := p.tool.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.logger.Warn("search provider failed", "provider", p.name, "error", err)
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "chatstream-websearch/1.0")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func newDuckDuckGo(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    searchHTTPTimeout,
	})
	if err != nil {
		logger.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

func newGoogleSearch(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}

// rateLimiter allows limit hits per key within a sliding window.
type rateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
	now    func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: time.Now}
}

func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)
	queue := l.hits[key]
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"chatstream/internal/config"
)

var defaultModels = map[string]string{
	"claude": "claude-sonnet-4-20250514",
	"openai": "gpt-4o-mini",
	"gemini": "gemini-2.5-flash",
}

// NewFromConfig builds the gateway for the configured provider. With
// llm.web_search on, replies run through a ReAct agent holding the web
// search tool.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g := New(chatModel, logger)
	if !cfg.LLM.WebSearch {
		return g, nil
	}

	search := newWebSearch(ctx, logger)
	if search == nil {
		return g, nil
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: []tool.BaseTool{search},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	g.stream = func(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
		return agent.Stream(ctx, input)
	}
	logger.Info("web search enabled for replies")
	return g, nil
}

func newChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	provider := cfg.LLM.Provider
	provCfg := cfg.Providers[provider]
	modelName := cfg.LLM.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		modelName = defaultModels[provider]
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", provider)
	}
	maxTokens := cfg.LLM.MaxTokens

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:   provCfg.BaseURL,
			Model:     modelName,
			APIKey:    provCfg.APIKey,
			MaxTokens: &maxTokens,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:    client,
			Model:     modelName,
			MaxTokens: &maxTokens,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}
	return chatModel, nil
}

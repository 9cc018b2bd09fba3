package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/drudge/internal/config"
)

// NewOpenAI creates an OpenAI chat model client.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	mc := &einoopenai.ChatModelConfig{
		APIKey:  auth.Value,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: 60 * time.Second,
	}
	if d := cfg.Timeout.Duration(); d > 0 {
		mc.Timeout = d
	}
	if cfg.MaxTokens > 0 {
		limit := cfg.MaxTokens
		mc.MaxCompletionTokens = &limit
	}
	if temp, ok := cfg.Options["temperature"].(float64); ok {
		t := float32(temp)
		mc.Temperature = &t
	}
	return einoopenai.NewChatModel(ctx, mc)
}

package backend

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/models"
	"github.com/dohr-michael/drudge/internal/tasks"
)

// Model executes tasks as a single chat completion against a provider from
// the model registry. Useful for prompt-only scopes where no agent CLI is
// installed. Cost is priced from reported token usage.
type Model struct {
	registry    *models.Registry
	provider    string
	perKiloCost float64
}

func NewModel(registry *models.Registry, cfg config.BackendConfig) *Model {
	return &Model{
		registry:    registry,
		provider:    cfg.Provider,
		perKiloCost: cfg.CostPerKiloTokens,
	}
}

// providerFor picks, in order, the task's requested model, the configured
// backend provider, then the registry default.
func (m *Model) providerFor(req tasks.Request) string {
	if req.Params.Model != "" {
		return req.Params.Model
	}
	if m.provider != "" {
		return m.provider
	}
	return m.registry.DefaultName()
}

func (m *Model) Execute(ctx context.Context, req tasks.Request, onProgress tasks.ProgressFunc) (*tasks.Result, error) {
	name := m.providerFor(req)
	chatModel, err := m.registry.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("model backend: %w", err)
	}

	msgs := []*schema.Message{
		{Role: schema.User, Content: req.Params.Prompt},
	}
	out, err := chatModel.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("model backend: %w", models.HandleError(err))
	}

	var cost float64
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		cost = float64(out.ResponseMeta.Usage.TotalTokens) / 1000 * m.perKiloCost
	}
	if err := onProgress(tasks.Progress{Cost: cost, Output: out.Content}); err != nil {
		return nil, err
	}

	return &tasks.Result{
		Content:   out.Content,
		Cost:      cost,
		Turns:     1,
		SessionID: req.SessionID,
	}, nil
}

// Healthcheck resolves the configured provider, forcing lazy init so bad
// credentials surface before the first task.
func (m *Model) Healthcheck(ctx context.Context) error {
	name := m.provider
	if name == "" {
		name = m.registry.DefaultName()
	}
	if _, err := m.registry.Get(ctx, name); err != nil {
		return fmt.Errorf("model backend: %w", err)
	}
	return nil
}

var _ tasks.Backend = (*Model)(nil)

// Package models builds and caches chat model clients from configuration.
package models

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/drudge/internal/config"
)

// provider is a configured driver plus its client, built on first use so
// that a misconfigured provider only fails when something asks for it.
type provider struct {
	cfg  config.ProviderConfig
	init sync.Once

	client model.ToolCallingChatModel
	err    error
}

func (p *provider) get(ctx context.Context) (model.ToolCallingChatModel, error) {
	p.init.Do(func() {
		p.client, p.err = CreateModel(ctx, p.cfg)
	})
	return p.client, p.err
}

// Registry resolves provider names to chat model clients.
type Registry struct {
	byName      map[string]*provider
	defaultName string
}

// NewRegistry indexes the configured providers. Clients are not built here.
func NewRegistry(cfg config.ModelsConfig) *Registry {
	byName := make(map[string]*provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		byName[name] = &provider{cfg: pc}
	}
	return &Registry{byName: byName, defaultName: cfg.Default}
}

// Get returns the named model client, building it on first call.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}
	return p.get(ctx)
}

// DefaultName returns the configured default provider name, possibly empty.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

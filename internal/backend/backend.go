// Package backend provides the execution backends that perform task work:
// an external agent CLI driven through a shell command, or a direct chat
// completion against a configured model provider.
package backend

import (
	"fmt"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/models"
	"github.com/dohr-michael/drudge/internal/tasks"
)

// New builds the backend selected by cfg.Driver.
func New(cfg config.BackendConfig, registry *models.Registry) (tasks.Backend, error) {
	switch cfg.Driver {
	case "", "cli":
		return NewCLI(cfg)
	case "model":
		return NewModel(registry, cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}

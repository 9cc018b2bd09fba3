package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/drudge/internal/backend"
	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/events"
	"github.com/dohr-michael/drudge/internal/gateway"
	"github.com/dohr-michael/drudge/internal/heartbeat"
	"github.com/dohr-michael/drudge/internal/models"
	"github.com/dohr-michael/drudge/internal/storage"
	"github.com/dohr-michael/drudge/internal/tasks"
	"github.com/dohr-michael/drudge/internal/workspaces"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the drudge task engine and gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

// engine bundles everything a running drudge instance owns.
type engine struct {
	cfg     *config.Config
	bus     *events.Bus
	store   *tasks.SQLStore
	manager *tasks.Manager
	audit   *storage.AuditLogger
	ledger  *storage.Ledger
}

func (e *engine) close(ctx context.Context) {
	e.manager.Shutdown(ctx)
	e.ledger.Close()
	e.audit.Close()
	e.store.Close()
	e.bus.Close()
}

// buildEngine assembles the task engine from config and recovers orphaned
// tasks. Submissions are rejected until recovery has run.
func buildEngine(ctx context.Context, cmd *cli.Command) (*engine, error) {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	bus := events.NewBus(cfg.Events.BufferSize)

	store, err := tasks.OpenSQLStore(config.DBPath())
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}

	stages := heartbeat.NewClassifier()
	if cfg.Tasks.StageRulesFile != "" {
		stages, err = heartbeat.LoadClassifier(cfg.Tasks.StageRulesFile)
		if err != nil {
			store.Close()
			bus.Close()
			return nil, fmt.Errorf("load stage rules: %w", err)
		}
	}

	matcher, err := workspaces.NewMatcher(cfg.Workspaces.Allow)
	if err != nil {
		store.Close()
		bus.Close()
		return nil, fmt.Errorf("workspace allowlist: %w", err)
	}

	registry := models.NewRegistry(cfg.Models)
	be, err := backend.New(cfg.Backend, registry)
	if err != nil {
		store.Close()
		bus.Close()
		return nil, err
	}

	manager := tasks.NewManager(tasks.ManagerConfig{
		Store:      store,
		Backend:    be,
		Bus:        bus,
		Tasks:      cfg.Tasks,
		Stages:     stages,
		Workspaces: matcher,
	})

	audit := storage.NewAuditLogger(filepath.Join(config.DrudgePath(), "audit"), bus)

	ledger, err := storage.NewLedger(filepath.Join(config.DrudgePath(), "ledger.json"), bus,
		func(taskID string) (string, bool) {
			t, err := store.Get(taskID)
			if err != nil {
				return "", false
			}
			return t.Owner, true
		})
	if err != nil {
		audit.Close()
		store.Close()
		bus.Close()
		return nil, fmt.Errorf("open spend ledger: %w", err)
	}

	recovered, err := manager.Recover()
	if err != nil {
		ledger.Close()
		audit.Close()
		store.Close()
		bus.Close()
		return nil, fmt.Errorf("recover tasks: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered orphaned tasks", "count", recovered)
	}

	if err := manager.Healthcheck(ctx); err != nil {
		slog.Warn("backend unavailable at startup", "error", err)
		bus.Publish(events.NewTypedEvent(events.SourceManager, events.BackendHealthPayload{
			Available: false,
			Detail:    err.Error(),
		}))
	}

	return &engine{
		cfg:     cfg,
		bus:     bus,
		store:   store,
		manager: manager,
		audit:   audit,
		ledger:  ledger,
	}, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	eng, err := buildEngine(ctx, cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		eng.cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		eng.cfg.Gateway.Port = cmd.Int("port")
	}

	server := gateway.NewServer(eng.bus, eng.manager, eng.audit, eng.cfg.Gateway.Host, eng.cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		eng.close(shutdownCtx)
		return err
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.close(shutdownCtx)
		return err
	}
}

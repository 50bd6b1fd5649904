package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/davidroman0O/netdoc/pkg/broadcast"
	"github.com/davidroman0O/netdoc/pkg/config"
	"github.com/davidroman0O/netdoc/pkg/device"
	"github.com/davidroman0O/netdoc/pkg/execution"
	"github.com/davidroman0O/netdoc/pkg/planner"
	"github.com/davidroman0O/netdoc/pkg/server"
	"github.com/davidroman0O/netdoc/pkg/session"
	"github.com/davidroman0O/netdoc/pkg/terminal"
)

// app holds every component built from one configuration
type app struct {
	cfg       *config.Config
	inventory *device.MemoryInventory
	sessions  *session.Manager
	events    *broadcast.Broadcaster
	engine    *execution.Engine
	bridge    *terminal.Bridge
	planner   *planner.Validator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	dialer, err := session.NewSSHDialer(cfg.SSH)
	if err != nil {
		return nil, err
	}

	var store execution.Store
	if cfg.Execution.StorePath != "" {
		fs, err := execution.NewFileStore(cfg.Execution.StorePath, cfg.Execution.HistoryLimit)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	gen, err := newGenerator(ctx, cfg.Planner)
	if err != nil {
		return nil, err
	}

	inventory := device.FromConfig(cfg.Devices)
	sessions := session.NewManager(dialer, session.OptionsFromConfig(cfg))
	events := broadcast.New(cfg.Broadcast.Buffer)

	return &app{
		cfg:       cfg,
		inventory: inventory,
		sessions:  sessions,
		events:    events,
		engine: execution.NewEngine(inventory, sessions, events, store, execution.Options{
			CommandTimeout: cfg.Execution.CommandTimeout.Duration,
			HistoryLimit:   cfg.Execution.HistoryLimit,
		}),
		bridge: terminal.NewBridge(inventory, sessions, terminal.Options{
			GracePeriod: cfg.Terminal.GracePeriod.Duration,
			DefaultCols: cfg.Terminal.DefaultCols,
			DefaultRows: cfg.Terminal.DefaultRows,
		}),
		planner: planner.NewValidator(gen, planner.Options{
			MaxSteps:  cfg.Planner.MaxSteps,
			CacheSize: cfg.Planner.CacheSize,
		}),
	}, nil
}

// newGenerator uses Gemini when its API key is in the environment and the
// offline catalog otherwise, or when Gemini fails
func newGenerator(ctx context.Context, cfg config.PlannerConfig) (planner.Generator, error) {
	key := ""
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		return planner.CatalogGenerator{}, nil
	}

	gemini, err := planner.NewGeminiGenerator(ctx, key, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to set up planner: %w", err)
	}
	log.Printf("[PLANNER] using %s with catalog fallback", cfg.Model)
	return planner.WithFallback(gemini, planner.CatalogGenerator{}), nil
}

func (a *app) server() *server.Server {
	return server.New(server.Deps{
		Inventory: a.inventory,
		Sessions:  a.sessions,
		Engine:    a.engine,
		Events:    a.events,
		Bridge:    a.bridge,
		Planner:   a.planner,
	}, a.cfg.Server)
}

// Close stops executions first so they release their sessions
func (a *app) Close() {
	a.engine.Close()
	if err := a.sessions.Close(); err != nil {
		log.Printf("[SESSION] close: %v", err)
	}
	a.events.Close()
}

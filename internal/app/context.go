// Package app wires the process: config, storage, tracker backend,
// inference client, and the agent. CLI commands and the server share one
// bootstrap path.
package app

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"trackpilot/internal/agent"
	"trackpilot/internal/analytics"
	"trackpilot/internal/config"
	"trackpilot/internal/db"
	"trackpilot/internal/dispatch"
	"trackpilot/internal/inference"
	"trackpilot/internal/migrate"
	"trackpilot/internal/registry"
	"trackpilot/internal/resolver"
	"trackpilot/internal/tracker"
	"trackpilot/internal/tracker/local"
	"trackpilot/internal/tracker/remote"
)

// App is the assembled process state.
type App struct {
	Config    *config.Config
	Registry  *registry.Registry
	Tracker   tracker.Client
	Analytics *analytics.Engine
	Agent     *agent.Agent

	// DB is the workspace database. Nil in remote tracker mode.
	DB *sql.DB
}

// Bootstrap assembles an App for the given workspace. The inference client
// is always wired; it fails at call time when no API key is available,
// which surfaces as a collaborator failure rather than a startup error.
func Bootstrap(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		Config:    cfg,
		Registry:  registry.New(),
		Analytics: analytics.New(cfg.Analytics),
	}

	switch cfg.Tracker.Mode {
	case "remote":
		a.Tracker = remote.New(cfg.Tracker.BaseURL,
			os.Getenv("TRACKPILOT_API_KEY"), os.Getenv("TRACKPILOT_TOKEN"))
	default:
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = conn
		a.Tracker = local.New(conn, cfg.Tracker.BaseURL)
	}

	inf := inference.New(inference.Options{
		APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		Model:     cfg.Inference.Model,
		MaxTokens: cfg.Inference.MaxTokens,
		Timeout:   time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
	})
	a.Agent = agent.New(a.Registry, inf, a.Tracker, a.Analytics, a.dispatchPolicy(), cfg.Resolver.HistoryTurns)
	return a, nil
}

// BootstrapWithInference is Bootstrap with a caller-supplied oracle, used
// by tests and embedders that stub the language model.
func BootstrapWithInference(workspace string, inf resolver.InferenceClient) (*App, error) {
	a, err := Bootstrap(workspace)
	if err != nil {
		return nil, err
	}
	a.Agent = agent.New(a.Registry, inf, a.Tracker, a.Analytics, a.dispatchPolicy(), a.Config.Resolver.HistoryTurns)
	return a, nil
}

func (a *App) dispatchPolicy() dispatch.Policy {
	cfg := a.Config
	policy := dispatch.DefaultPolicy()
	if cfg.Dispatch.MaxReadAttempts > 0 {
		policy.MaxReadAttempts = cfg.Dispatch.MaxReadAttempts
	}
	if cfg.Dispatch.BackoffMillis > 0 {
		policy.Backoff = time.Duration(cfg.Dispatch.BackoffMillis) * time.Millisecond
	}
	if cfg.Dispatch.TimeoutSeconds > 0 {
		policy.CallTimeout = time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second
	}
	if cfg.Analytics.WindowDays > 0 {
		policy.SearchWindow = time.Duration(cfg.Analytics.WindowDays) * 24 * time.Hour
	}
	return policy
}

// Close releases process resources.
func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/toolforge/forge/pkg/auth"
	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/drift"
	"github.com/toolforge/forge/pkg/executor"
	"github.com/toolforge/forge/pkg/hitl"
	"github.com/toolforge/forge/pkg/llm"
	"github.com/toolforge/forge/pkg/observability"
	"github.com/toolforge/forge/pkg/registry"
	"github.com/toolforge/forge/pkg/server"
	"github.com/toolforge/forge/pkg/session"
	"github.com/toolforge/forge/pkg/verifier"
)

// ServeCmd starts the agent sidecar server.
type ServeCmd struct {
	Port     int    `help:"Override sidecar.port from the config."`
	LockFile string `name:"lock-file" help:"Lock file path." default:".forge-service.lock"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Sidecar.Port = c.Port
	}

	pool := config.NewDBPool()
	defer pool.Close()

	db, dialect, err := openDatabase(cfg, pool)
	if err != nil {
		return err
	}

	reg, err := registry.NewStore(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create tool registry: %w", err)
	}
	if err := reg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	sessions, err := session.NewStore(cfg, db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer sessions.Close()

	engine, err := hitl.NewEngine(cfg, db, dialect)
	if err != nil {
		return fmt.Errorf("failed to create HITL engine: %w", err)
	}
	defer engine.Close()

	host := verifier.NewPluginHost(cfg.Verifiers.Dir)
	defer host.Close()
	verifierStore := verifier.NewStore(db, dialect)
	if custom, err := verifierStore.ListCustom(ctx); err != nil {
		slog.Warn("Could not preload custom verifiers", "error", err)
	} else {
		host.Preload(ctx, custom)
	}

	authVerifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create auth verifier: %w", err)
	}

	obs, err := observability.New(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	srv, err := server.New(server.Options{
		Config:     cfg,
		ConfigPath: cli.Config,
		LockPath:   c.LockFile,
		Auth:       authVerifier,
		Registry:   reg,
		Sessions:   sessions,
		Hitl:       engine,
		Verifier:   verifier.NewRunner(verifierStore, host),
		Executor:   executor.New(cfg, reg),
		LLM:        llm.NewClient(),
		Obs:        obs,
		MCPKey:     os.Getenv("FORGE_MCP_KEY"),
	})
	if err != nil {
		return err
	}

	printStartupInfo(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// Server exit (signal, /shutdown, inactivity) stops the
		// background workers too.
		defer cancel()
		return srv.Run(gctx)
	})

	if cfg.Sidecar.Enabled {
		monitor := drift.NewMonitor(reg, cfg.Drift, drift.WithOnAlert(obs.OnDriftAlert))
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
		g.Go(func() error {
			watchConfig(gctx, cli.Config, srv)
			return nil
		})
	}

	return g.Wait()
}

// openDatabase picks postgres when DATABASE_URL is set, the local SQLite
// file otherwise. Redis-backed stores dial REDIS_URL on their own.
func openDatabase(cfg *config.Config, pool *config.DBPool) (*sql.DB, string, error) {
	if cfg.DatabaseURL != "" {
		db, err := pool.Postgres(cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return db, "postgres", nil
	}
	db, err := pool.SQLite(cfg.DB.Path)
	if err != nil {
		return nil, "", err
	}
	return db, "sqlite", nil
}

// watchConfig applies config file changes to the running server. Invalid
// documents are logged and ignored; the active config stays in force.
func watchConfig(ctx context.Context, path string, srv *server.Server) {
	changes, err := config.Watch(ctx, path)
	if err != nil {
		slog.Warn("Config watcher unavailable", "path", path, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			cfg, err := config.Load(path)
			if err != nil {
				slog.Warn("Ignoring invalid config change", "error", err)
				continue
			}
			srv.ApplyConfig(cfg)
		}
	}
}

func printStartupInfo(cfg *config.Config) {
	if cfg.Sidecar.Enabled {
		fmt.Printf("\nforge sidecar starting on :%d\n", cfg.Sidecar.Port)
		fmt.Printf("   Health:  http://localhost:%d/health\n", cfg.Sidecar.Port)
		fmt.Printf("   Chat:    http://localhost:%d/agent-api/chat\n", cfg.Sidecar.Port)
		if os.Getenv("FORGE_MCP_KEY") != "" {
			fmt.Printf("   MCP:     http://localhost:%d/mcp\n", cfg.Sidecar.Port)
		}
		if cfg.Observability.Enabled {
			fmt.Printf("   Metrics: http://localhost:%d/metrics\n", cfg.Sidecar.Port)
		}
	} else {
		fmt.Println("\nforge starting on an ephemeral port (see lock file)")
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

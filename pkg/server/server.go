// Package server exposes the forge HTTP surface: the chat and resume SSE
// endpoints, user preferences, the internal work queue, the MCP adapter,
// admin configuration, static widget assets, and metrics. One Server owns
// one listener; in sidecar mode it binds the configured port, otherwise an
// ephemeral one that local clients discover through the lock file.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/toolforge/forge/pkg/agent"
	"github.com/toolforge/forge/pkg/auth"
	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/executor"
	"github.com/toolforge/forge/pkg/hitl"
	"github.com/toolforge/forge/pkg/observability"
	"github.com/toolforge/forge/pkg/queue"
	"github.com/toolforge/forge/pkg/registry"
	"github.com/toolforge/forge/pkg/session"
	"github.com/toolforge/forge/pkg/verifier"
)

const (
	// maxBodyBytes caps every request body read.
	maxBodyBytes = 1 << 20

	// nextWait bounds the /next long poll.
	nextWait = 30 * time.Second

	// idleLimit is how long a non-sidecar process survives without
	// traffic before the watchdog terminates it.
	idleLimit = 90 * time.Second

	watchdogTick = 10 * time.Second

	shutdownGrace = 5 * time.Second
)

// Options carries the dependencies a Server is wired with. Config, Auth,
// Registry, Sessions, Hitl, Executor, and LLM are required.
type Options struct {
	Config     *config.Config
	ConfigPath string
	LockPath   string

	Auth     *auth.Verifier
	Registry *registry.Store
	Sessions session.Store
	Hitl     *hitl.Engine
	Verifier *verifier.Runner
	Executor *executor.Executor
	LLM      agent.Transport
	Obs      *observability.Provider

	// MCPKey gates POST /mcp. Empty disables the endpoint (fail closed).
	MCPKey string
}

// Server is the forge HTTP service.
type Server struct {
	mu  sync.RWMutex
	cfg *config.Config

	configPath string
	lockPath   string
	mcpKey     string

	auth     *auth.Verifier
	registry *registry.Store
	sessions session.Store
	hitl     *hitl.Engine
	verifier *verifier.Runner
	executor agent.ToolExecutor
	queue    *queue.Queue
	loop     *agent.Loop
	obs      *observability.Provider

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener

	startTime    time.Time
	lastActivity atomic.Int64

	// Test seams; production values set in New.
	nextWait  time.Duration
	idleLimit time.Duration
	tick      time.Duration

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New wires a Server. It does not bind the listener; call Run.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("server: config is required")
	case opts.Auth == nil:
		return nil, errors.New("server: auth verifier is required")
	case opts.Registry == nil:
		return nil, errors.New("server: tool registry is required")
	case opts.Sessions == nil:
		return nil, errors.New("server: session store is required")
	case opts.Hitl == nil:
		return nil, errors.New("server: hitl engine is required")
	case opts.Executor == nil:
		return nil, errors.New("server: tool executor is required")
	case opts.LLM == nil:
		return nil, errors.New("server: llm transport is required")
	}

	s := &Server{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		lockPath:   opts.LockPath,
		mcpKey:     opts.MCPKey,
		auth:       opts.Auth,
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		hitl:       opts.Hitl,
		verifier:   opts.Verifier,
		queue:      queue.New(),
		obs:        opts.Obs,
		startTime:  time.Now(),
		nextWait:   nextWait,
		idleLimit:  idleLimit,
		tick:       watchdogTick,
		shutdownCh: make(chan struct{}),
	}
	s.executor = timedExecutor{inner: opts.Executor, obs: opts.Obs}
	s.loop = agent.New(opts.LLM, s.executor)
	s.handler = s.routes()
	s.touch()
	return s, nil
}

// Handler returns the wired router. Useful for tests; production callers
// use Run.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.trackActivity)
	r.Use(logRequests)
	r.Use(limitBody)
	r.Use(s.obs.Middleware)

	r.Get("/health", s.handleHealth)
	r.Post("/enqueue", s.handleEnqueue)
	r.Get("/next", s.handleNext)
	r.Post("/complete", s.handleComplete)
	r.Delete("/shutdown", s.handleShutdown)

	r.Post("/mcp", s.handleMCP)
	r.Get("/metrics", s.obs.Handler().ServeHTTP)

	r.Route("/agent-api", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/chat", s.handleChat)
		r.Post("/chat/resume", s.handleResume)
		r.Get("/user/preferences", s.handleGetPreferences)
		r.Put("/user/preferences", s.handlePutPreferences)
	})

	r.Route("/forge-admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin(func() string { return s.config().AdminKey }))
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Get("/config/schema", s.handleConfigSchema)
	})

	r.Get("/widget/*", s.handleWidget)

	return r
}

// config returns the current configuration snapshot. Handlers read through
// this so admin updates and file reloads apply to subsequent requests.
func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig swaps the active configuration. The caller has already
// validated it.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("Configuration applied",
		"defaultModel", cfg.DefaultModel,
		"defaultHitlLevel", cfg.DefaultHitlLevel)
}

// Run binds the listener, writes the lock file, serves until ctx is done or
// a shutdown is triggered, then drains in-flight requests and removes the
// lock file. Non-sidecar mode also starts the inactivity watchdog.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()

	addr := ":0"
	if cfg.Sidecar.Enabled {
		addr = fmt.Sprintf(":%d", cfg.Sidecar.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	if s.lockPath != "" {
		if err := writeLockFile(s.lockPath, port); err != nil {
			ln.Close()
			return err
		}
		defer removeLockFile(s.lockPath)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if !cfg.Sidecar.Enabled {
		go s.watchdog(watchCtx)
	}

	s.httpServer = &http.Server{
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses stay open for the life of a
		// chat request.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	slog.Info("forge listening",
		"port", port,
		"sidecar", cfg.Sidecar.Enabled,
		"mcp", s.mcpKey != "")

	var serveErr error
	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Graceful shutdown incomplete", "error", err)
	}
	return serveErr
}

// Port reports the bound port, or 0 before Run.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// TriggerShutdown asks Run to stop. Safe to call more than once.
func (s *Server) TriggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// ShutdownRequested is closed once a shutdown has been triggered.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// watchdog terminates the process after idleLimit without any HTTP
// activity. Only runs in non-sidecar mode.
func (s *Server) watchdog(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= s.idleLimit {
				slog.Info("No activity, shutting down", "idle", idle.Round(time.Second))
				s.TriggerShutdown()
				return
			}
		}
	}
}

// timedExecutor records tool execution metrics around the real executor.
type timedExecutor struct {
	inner agent.ToolExecutor
	obs   *observability.Provider
}

func (t timedExecutor) Execute(ctx context.Context, toolName string, args map[string]any, userJWT string) *executor.Result {
	start := time.Now()
	result := t.inner.Execute(ctx, toolName, args, userJWT)
	t.obs.RecordToolExecution(ctx, toolName, result.Status, time.Since(start))
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads one JSON document from the request body. The body is
// already capped by the limit middleware.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

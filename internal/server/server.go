// Package server is the composition root: it builds every component from the
// configuration, wires the routes and runs the HTTP server with graceful
// shutdown.
//
// Dependency chain, built once in New:
//
//	config → sqlite.DB ─────────────────────────────┐
//	       → toolchain.Adapter ─┐                   │
//	       → workspace.Manager ─┼→ harness.Harness ─┴→ service.ExecutionService → handler.ExecuteHandler
//	       → sandbox backend ───┘   (via executor.Bounded)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/executor"
	"github.com/sakif/code-runner/internal/executor/docker"
	"github.com/sakif/code-runner/internal/executor/process"
	"github.com/sakif/code-runner/internal/handler"
	"github.com/sakif/code-runner/internal/harness"
	"github.com/sakif/code-runner/internal/middleware"
	sqliteRepo "github.com/sakif/code-runner/internal/repository/sqlite"
	"github.com/sakif/code-runner/internal/service"
	"github.com/sakif/code-runner/internal/toolchain"
	"github.com/sakif/code-runner/internal/workspace"
)

// Server represents the HTTP server and all the resources it owns.
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	sandbox io.Closer // docker executor; nil for the process backend
	limiter *middleware.IPRateLimiter
	stop    chan struct{}
}

// New builds every dependency and the router. On error nothing is left open.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	table := toolchain.Defaults()
	if cfg.ToolchainsFile != "" {
		var err error
		if table, err = toolchain.LoadFile(cfg.ToolchainsFile); err != nil {
			return nil, err
		}
	}
	// Container images carry their own toolchains; only the host needs checking.
	adapter, err := toolchain.New(table, toolchain.Options{
		VerifyBinaries: cfg.Backend == config.BackendProcess,
	})
	if err != nil {
		return nil, err
	}

	var owner *workspace.Owner
	if cfg.RunAsUID != nil && cfg.Backend == config.BackendProcess {
		owner = &workspace.Owner{UID: *cfg.RunAsUID, GID: *cfg.RunAsGID}
	}
	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, owner, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	backend, closer, err := newSandbox(cfg, adapter.Images(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	h := harness.New(adapter, workspaces,
		executor.NewBounded(backend, cfg.MaxConcurrent),
		harness.Limits{Build: cfg.BuildTimeout, Run: cfg.RunTimeout},
		logger,
	)

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		sandbox: closer,
		limiter: middleware.NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		stop:    make(chan struct{}),
	}

	svc := service.NewExecutionService(h, db, adapter, logger)
	s.setupRoutes(handler.NewExecuteHandler(svc, logger))
	s.limiter.StartCleanup(time.Minute, s.stop)

	logger.Info("execution engine ready",
		slog.String("backend", cfg.Backend),
		slog.Int("maxConcurrent", cfg.MaxConcurrent),
		slog.String("workspaceRoot", workspaces.Root()),
		slog.Int("languages", len(adapter.Languages())),
	)
	return s, nil
}

// newSandbox creates the configured backend. The closer is non-nil only when
// the backend holds resources (docker containers and client).
func newSandbox(cfg config.Config, images []string, logger *slog.Logger) (executor.Sandbox, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		dcfg := docker.DefaultConfig()
		dcfg.Images = images
		dcfg.MemoryLimit = cfg.MemoryLimitMB * 1024 * 1024
		dcfg.CPULimit = cfg.DockerCPUs
		dcfg.PidsLimit = cfg.PIDsLimit
		dcfg.DefaultTimeout = cfg.RunTimeout
		dcfg.MaxOutputBytes = cfg.MaxOutputBytes
		dcfg.PoolSize = cfg.DockerPoolSize
		exec, err := docker.New(dcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("starting docker backend: %w", err)
		}
		return exec, exec, nil

	default:
		pcfg := process.DefaultConfig()
		pcfg.DefaultTimeout = cfg.RunTimeout
		pcfg.MaxOutputBytes = cfg.MaxOutputBytes
		pcfg.CgroupRoot = cfg.CgroupRoot
		pcfg.MemoryLimitMB = cfg.MemoryLimitMB
		pcfg.PIDsLimit = cfg.PIDsLimit
		if cfg.RunAsUID != nil {
			pcfg.Credential = &process.Credential{UID: uint32(*cfg.RunAsUID), GID: uint32(*cfg.RunAsGID)}
		}
		sb, err := process.New(pcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("starting process backend: %w", err)
		}
		return sb, nil, nil
	}
}

// setupRoutes configures all middleware and route handlers.
//
// GET  /healthz                → liveness
// GET  /metrics                → Prometheus metrics
// GET  /api/languages          → supported languages
// POST /api/run                → ad hoc run           (rate limited)
// POST /api/test               → graded, not stored   (rate limited)
// POST /api/submit             → graded and stored    (rate limited)
// GET  /api/submissions        → list stored submissions
// GET  /api/submissions/{id}   → one stored submission
func (s *Server) setupRoutes(executeHandler *handler.ExecuteHandler) {
	s.router.Use(chimiddleware.RequestID) // Request id for log correlation
	s.router.Use(chimiddleware.RealIP)    // Extracts real IP from X-Forwarded-For
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer) // Recovers from panics, returns 500

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/languages", executeHandler.HandleLanguages)
		r.Get("/submissions", executeHandler.HandleListSubmissions)
		r.Get("/submissions/{id}", executeHandler.HandleGetSubmission)

		// Executions spawn compilers; throttle them per client.
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/run", executeHandler.HandleRun)
			r.Post("/test", executeHandler.HandleTest)
			r.Post("/submit", executeHandler.HandleSubmit)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases everything New acquired.
func (s *Server) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	var errs []error
	if s.sandbox != nil {
		errs = append(errs, s.sandbox.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// Start runs the HTTP server until SIGINT/SIGTERM, then drains in-flight
// requests and releases all resources.
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: a submit legitimately runs for many build+run cycles,
		// each already bounded by its own timer.
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BitBrujo/rigger/internal/api"
	"github.com/BitBrujo/rigger/internal/config"
	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine"
	"github.com/BitBrujo/rigger/internal/journal"
	"github.com/BitBrujo/rigger/internal/middleware"
	"github.com/BitBrujo/rigger/internal/reaper"
	"github.com/BitBrujo/rigger/internal/sandbox"
	"github.com/BitBrujo/rigger/internal/session"
	"github.com/BitBrujo/rigger/internal/shared"
	"github.com/BitBrujo/rigger/internal/store"
	"github.com/BitBrujo/rigger/internal/stream"
	"github.com/BitBrujo/rigger/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, reaper and session manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *dbPath)
		},
	}
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(ctx context.Context, dbPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "engine", cfg.Engine.Kind)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	repo.SetRetryPolicy(shared.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay})
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	eng, closeEngine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	hub := stream.NewHub(cfg.SSE.ReplaySize, logger)
	jrnl, err := journal.New(journal.Config{
		Enabled:   cfg.Journal.Enabled,
		Dir:       cfg.Journal.Dir,
		QueueSize: cfg.Journal.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize journal: %w", err)
	}
	defer func() {
		if closeErr := jrnl.Close(); closeErr != nil {
			slog.Error("Failed to close journal", "error", closeErr)
		}
	}()
	if jrnl != nil {
		hub.SetTap(jrnl.Log)
		slog.Info("Event journal enabled", "dir", cfg.Journal.Dir)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	var reclaimer session.Reclaimer
	if cfg.Sandbox.Enabled {
		dr, err := sandbox.NewDockerReclaimer(cfg.Sandbox.Label, cfg.Sandbox.StopTimeoutSecs, logger)
		if err != nil {
			return fmt.Errorf("initialize docker reclaimer: %w", err)
		}
		defer func() {
			if closeErr := dr.Close(); closeErr != nil {
				slog.Warn("Failed to close docker client", "error", closeErr)
			}
		}()
		reclaimer = dr
		slog.Info("Docker reclamation enabled", "label", cfg.Sandbox.Label)
	}

	mgr := session.NewManager(session.Options{
		Repo:      repo,
		Engine:    eng,
		Hub:       hub,
		Reclaimer: reclaimer,
		Observer:  metrics,
		Logger:    logger,
		Config: session.Config{
			DefaultPattern:       domain.SessionPattern(cfg.Sessions.DefaultPattern),
			DefaultMaxIdleTime:   cfg.Sessions.MaxIdleTime,
			DefaultMaxLifetime:   cfg.Sessions.MaxLifetime,
			DefaultMaxBudgetUSD:  cfg.Sessions.MaxBudgetUSD,
			DefaultMaxTurns:      cfg.Sessions.MaxTurns,
			StopEscalationWindow: cfg.Sessions.StopEscalationWindow,
			EphemeralDeleteDelay: cfg.Sessions.EphemeralDeleteDelay,
			DrainTimeout:         cfg.Sessions.DrainTimeout,
		},
	})

	if _, err := mgr.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	handler := api.NewHandler(api.Options{
		Sessions:       mgr,
		Repo:           repo,
		Engine:         eng,
		SSE:            cfg.SSE,
		RateLimit:      cfg.RateLimit,
		StopWindow:     cfg.Sessions.StopEscalationWindow,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
	})
	defer handler.Close()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	handler.RegisterRoutes(r)

	// SSE streams need no WriteTimeout; keepalive pings hold them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.Timeout.Read,
		WriteTimeout: 0,
		IdleTimeout:  cfg.Timeout.Idle,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rp := &reaper.Reaper{
		Sessions:           mgr,
		Purger:             repo,
		Interval:           cfg.Sessions.ReaperInterval,
		StopGrace:          cfg.Sessions.StopGrace,
		EphemeralRetention: cfg.Sessions.EphemeralDeleteDelay,
		Logger:             logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rp.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		return shutdown(srv, mgr, cfg)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// shutdown ends running executions first so their SSE streams close with a
// terminal event, then drains the HTTP server.
func shutdown(srv *http.Server, mgr *session.Manager, cfg *config.Config) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	var errs []error
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	return errors.Join(errs...)
}

func newEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, func(), error) {
	switch cfg.Engine.Kind {
	case config.EngineGRPC:
		gc := engine.DefaultGRPCConfig(cfg.Engine.GRPCAddress)
		if cfg.Engine.ConnectTimeout > 0 {
			gc.ConnectTimeout = cfg.Engine.ConnectTimeout
		}
		e, err := engine.NewGRPCEngine(gc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect engine: %w", err)
		}
		slog.Info("Engine connected", "kind", cfg.Engine.Kind, "address", cfg.Engine.GRPCAddress)
		return e, e.Close, nil
	default:
		slog.Info("Engine configured", "kind", cfg.Engine.Kind, "command", cfg.Engine.Command)
		return engine.NewProcessEngine(cfg.Engine.Command, cfg.Engine.Args, logger), func() {}, nil
	}
}

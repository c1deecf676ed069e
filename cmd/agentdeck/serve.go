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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/chat"
	"github.com/szaher/agentdeck/internal/config"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/maintenance"
	"github.com/szaher/agentdeck/internal/server"
	"github.com/szaher/agentdeck/internal/storage"
	"github.com/szaher/agentdeck/internal/telemetry"
	"github.com/szaher/agentdeck/internal/token"
)

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agentdeck server",
		Long:  "Starts the HTTP API, the external deployment gateway, and background maintenance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}

			level := telemetry.ParseLevel(cfg.LogLevel)
			if verbose {
				level = telemetry.ParseLevel("debug")
			}
			logger := telemetry.NewLogger(os.Stderr, level)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")

	return cmd
}

const shutdownTimeout = 15 * time.Second

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, cleanup, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics := telemetry.NewMetrics()

	registry := agent.NewRegistry(backend, agent.WithLogger(logger))
	store := chat.NewStore(backend)

	client, model := llm.NewClientForModel(cfg.Model)
	completer := llm.NewCompleter(client, model,
		llm.WithTemperature(cfg.Temperature),
		llm.WithMaxTokens(cfg.MaxTokens),
		llm.WithLogger(logger),
		llm.WithMetrics(metrics))

	controller := chat.NewController(store, completer, chat.WithLogger(logger))

	authority := token.NewAuthority(backend, cfg.TokenTTL, token.WithLogger(logger))
	if err := authority.Load(ctx); err != nil {
		return fmt.Errorf("load token state: %w", err)
	}

	limiter := token.NewRateLimiter(token.RateLimitConfigFromEnv())

	srv := server.New(registry, controller, authority,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithRateLimiter(limiter),
		server.WithBaseURL(cfg.BaseURL))

	sweeper := maintenance.NewSweeper(registry, controller, authority,
		cfg.SweepSchedule, cfg.SessionRetention, cfg.TokenGrace, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// File storage can change under the server; keep the agent cache honest.
	if cfg.DatabaseURL == "" {
		watcher, err := agent.NewWatcher(cfg.StorageDir, registry, logger)
		if err != nil {
			logger.Warn("agent watcher disabled", "error", err)
		} else {
			g.Go(func() error {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	logger.Info("agentdeck started",
		"addr", cfg.Addr(), "model", cfg.Model, "storage", storageKind(cfg))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agentdeck stopped")
	return nil
}

// openBackend selects Postgres when a database URL is configured, file
// storage otherwise.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	if cfg.DatabaseURL != "" {
		backend, pool, err := storage.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres storage")
		return backend, pool.Close, nil
	}

	backend, err := storage.NewFileBackend(cfg.StorageDir)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using file storage", "dir", cfg.StorageDir)
	return backend, func() {}, nil
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "file"
}

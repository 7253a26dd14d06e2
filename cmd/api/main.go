// Package main is the entrypoint for the campaign API server. It wires the
// database pool, SQS trigger, and campaign service into the HTTP chassis and
// serves the /v1/campaigns endpoints with graceful shutdown.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"megaphone/internal/api/handlers"
	"megaphone/internal/config"
	"megaphone/internal/core"
	"megaphone/internal/db"
	"megaphone/internal/engine"
	"megaphone/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("campaign API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	jobs := db.NewJobRepository(pool)
	recipients := db.NewRecipientRepository(pool)
	trigger := queue.NewCampaignTrigger(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	service := engine.NewService(jobs, recipients, trigger, logger)

	router := chi.NewRouter()
	router.Use(core.Recoverer(logger))
	router.Use(core.RequestIDMiddleware)
	router.Use(core.SecurityHeaders)
	router.Use(core.RequestLogger(logger))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ok"}})
	})
	router.Route("/v1", func(r chi.Router) {
		handlers.NewCampaignHandler(service, logger).RegisterRoutes(r)
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("campaign API stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

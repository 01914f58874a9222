package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/config"
	"github.com/noah-isme/gema-grading/internal/handler"
	"github.com/noah-isme/gema-grading/internal/middleware"
	"github.com/noah-isme/gema-grading/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireServer(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	container, err := app.Build(rootCtx, cfg, app.Options{Migrate: true}, logger)
	if err != nil {
		log.Fatalf("failed to build grading engine: %v", err)
	}
	defer container.Close()

	if err := container.Start(rootCtx); err != nil {
		log.Fatalf("failed to start grading workers: %v", err)
	}

	bulkLimiter := middleware.RateLimit("grading-bulk", cfg.Grading.BulkRateLimit, cfg.Grading.BulkRateWindow)
	gradingHandler := handler.NewGradingHandler(container.Orchestrator, container.Configs, bulkLimiter, logger)
	streamHandler := handler.NewGradingStreamHandler(container.Events, cfg.Grading.StreamPingInterval, logger)

	fiberApp := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(fiberApp, middleware.Config{Logger: &logger})
	router.Register(fiberApp, cfg, router.Dependencies{
		GradingHandler:       gradingHandler,
		GradingStreamHandler: streamHandler,
		JWTMiddleware:        middleware.JWTProtected(cfg.JWTSecret),
		HealthProbes: []handler.HealthProbe{
			{Name: "dependencies", Check: container.Ping},
		},
	})

	go func() {
		if err := fiberApp.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(fiberApp, cancelRoot, logger)
}

// waitForShutdown stops accepting requests first, then cancels the workers.
// In-flight remote attempts are left in progress and picked up by recovery.
func waitForShutdown(server *fiber.App, cancelWorkers context.CancelFunc, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	cancelWorkers()

	logger.Info().Msg("server stopped")
}

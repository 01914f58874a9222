package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/config"
	"github.com/noah-isme/gema-grading/internal/database"
	"github.com/noah-isme/gema-grading/internal/queue"
	"github.com/noah-isme/gema-grading/internal/repository"
	"github.com/noah-isme/gema-grading/internal/scoring"
	"github.com/noah-isme/gema-grading/internal/service"
	"github.com/noah-isme/gema-grading/pkg/ai"
)

// Container holds the wired grading engine and the connections it owns.
type Container struct {
	DB           *gorm.DB
	Redis        *redis.Client
	NATS         *nats.Conn
	Registry     *scoring.Registry
	Dispatcher   queue.Dispatcher
	Events       service.GradingEvents
	Configs      service.GradingConfigService
	Resolver     service.ConfigResolver
	Assessments  repository.AssessmentRepository
	Orchestrator service.GradingOrchestrator
	Validate     *validator.Validate
}

// Options adjusts how much of the engine Build brings up.
type Options struct {
	// Migrate runs schema migrations after connecting.
	Migrate bool
	// RecoverOnStart overrides the configured recovery flag when non-nil.
	RecoverOnStart *bool
}

// Build connects to the backing stores and wires every grading component.
func Build(ctx context.Context, cfg config.Config, opts Options, logger zerolog.Logger) (*Container, error) {
	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Migrate {
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
	}

	c := &Container{DB: db}

	if cfg.RedisURL != "" {
		c.Redis, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	if cfg.NATSURL != "" || cfg.Grading.Dispatcher == config.DispatcherNATS {
		c.NATS, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	if err := c.Wire(ctx, cfg, opts, logger); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Wire builds the registry, dispatcher and services over the connections already
// set on c. DB is required; Redis and NATS are optional.
func (c *Container) Wire(ctx context.Context, cfg config.Config, opts Options, logger zerolog.Logger) error {
	if c.DB == nil {
		return errors.New("grading engine requires a database")
	}

	rule, err := service.ParseCorrectnessRule(cfg.Grading.CorrectnessRule)
	if err != nil {
		return err
	}

	c.Validate = validator.New(validator.WithRequiredStructEnabled())
	c.Registry = scoring.NewRegistry(Completers(ctx, cfg, logger), logger)

	switch cfg.Grading.Dispatcher {
	case config.DispatcherNATS:
		c.Dispatcher, err = queue.NewNATSDispatcher(c.NATS, cfg.Grading.NATSSubject, cfg.Grading.Workers, cfg.Grading.QueueSize, logger)
		if err != nil {
			return err
		}
	default:
		c.Dispatcher = queue.NewMemoryDispatcher(cfg.Grading.Workers, cfg.Grading.QueueSize, logger)
	}

	defaults := service.GradingDefaults{
		AutoGradeThreshold: cfg.Grading.DefaultThreshold,
		TimeoutSeconds:     int(cfg.Grading.DefaultTimeout.Seconds()),
		MaxRetries:         cfg.Grading.DefaultMaxRetries,
	}

	configRepo := repository.NewGradingConfigurationRepository(c.DB)
	taskRepo := repository.NewGradingTaskRepository(c.DB)
	assessmentRepo := repository.NewAssessmentRepository(c.DB)
	c.Assessments = assessmentRepo

	resolver := service.NewConfigResolver(configRepo, c.Redis, cfg.Grading.ConfigCacheTTL, logger)
	c.Resolver = resolver
	c.Configs = service.NewGradingConfigService(configRepo, resolver, c.Registry, c.Validate, defaults, logger)
	c.Events = service.NewGradingEvents(c.Redis, cfg.Grading.EventsChannel, c.NATS, logger)
	aggregator := service.NewResultAggregator(assessmentRepo, taskRepo, logger)

	recoverOnStart := cfg.Grading.RecoverOnStart
	if opts.RecoverOnStart != nil {
		recoverOnStart = *opts.RecoverOnStart
	}

	c.Orchestrator = service.NewGradingOrchestrator(
		taskRepo,
		assessmentRepo,
		resolver,
		c.Registry,
		c.Dispatcher,
		aggregator,
		c.Events,
		c.Validate,
		service.OrchestratorConfig{
			Defaults:       defaults,
			BackoffBase:    cfg.Grading.BackoffBase,
			BackoffMax:     cfg.Grading.BackoffMax,
			Correctness:    service.CorrectnessPolicy{Rule: rule, Ratio: cfg.Grading.CorrectnessRatio},
			RecoverOnStart: recoverOnStart,
		},
		logger,
	)
	return nil
}

// Start begins event fan-out and job consumption.
func (c *Container) Start(ctx context.Context) error {
	c.Events.Start(ctx)
	return c.Orchestrator.Start(ctx)
}

// Close stops the workers and releases every connection.
func (c *Container) Close() {
	if c.Orchestrator != nil {
		c.Orchestrator.Stop()
	}
	if c.NATS != nil {
		_ = c.NATS.Drain()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Ping checks each backing store. Nil dependencies are skipped.
func (c *Container) Ping(ctx context.Context) error {
	var errs []error
	if sqlDB, err := c.DB.DB(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	} else if err := sqlDB.PingContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if c.NATS != nil && !c.NATS.IsConnected() {
		errs = append(errs, fmt.Errorf("nats: %s", c.NATS.Status()))
	}
	return errors.Join(errs...)
}

// Completers builds one vendor client per configured API key, keyed by method name.
// Vendors without a key are left out and surface as unconfigured providers.
func Completers(ctx context.Context, cfg config.Config, logger zerolog.Logger) map[string]ai.Completer {
	completers := make(map[string]ai.Completer, 3)

	if cfg.OpenAIAPIKey != "" {
		client, err := ai.NewOpenAIClient(ai.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Logger: logger})
		if err != nil {
			logger.Warn().Err(err).Msg("openai client disabled")
		} else {
			completers[scoring.MethodOpenAI] = client
		}
	}
	if cfg.AnthropicAPIKey != "" {
		client, err := ai.NewAnthropicClient(ai.AnthropicConfig{APIKey: cfg.AnthropicAPIKey, Logger: logger})
		if err != nil {
			logger.Warn().Err(err).Msg("anthropic client disabled")
		} else {
			completers[scoring.MethodClaude] = client
		}
	}
	if cfg.GeminiAPIKey != "" {
		client, err := ai.NewGeminiClient(ctx, ai.GeminiConfig{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL, Logger: logger})
		if err != nil {
			logger.Warn().Err(err).Msg("gemini client disabled")
		} else {
			completers[scoring.MethodGemini] = client
		}
	}

	return completers
}

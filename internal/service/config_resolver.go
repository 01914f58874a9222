package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/observability"
	"github.com/noah-isme/gema-grading/internal/repository"
)

const resolverVersionKey = "gema:grading:config:version"

// ConfigResolver picks the single effective grading configuration for a question.
type ConfigResolver interface {
	Resolve(ctx context.Context, question models.Question) (models.GradingConfiguration, error)
	Invalidate(ctx context.Context)
}

type configResolver struct {
	repo   repository.GradingConfigurationRepository
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewConfigResolver builds a resolver. A nil cache disables caching.
func NewConfigResolver(repo repository.GradingConfigurationRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ConfigResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &configResolver{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "grading_config_resolver").Logger(),
	}
}

// Resolve applies question > exam > global precedence. Absence at every level
// is reported as ErrNoGradingConfiguration and never cached.
func (r *configResolver) Resolve(ctx context.Context, question models.Question) (models.GradingConfiguration, error) {
	key := r.cacheKey(ctx, question)
	if key != "" {
		if cached, err := r.cache.Get(ctx, key).Bytes(); err == nil {
			var config models.GradingConfiguration
			if err := json.Unmarshal(cached, &config); err == nil {
				observability.GradingResolverCache().WithLabelValues("hit").Inc()
				return config, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Msg("resolver cache read failed")
		}
		observability.GradingResolverCache().WithLabelValues("miss").Inc()
	}

	examID := question.ExamID
	lookups := []struct {
		scope string
		ref   *uint
	}{
		{models.ScopeQuestion, &question.ID},
		{models.ScopeExam, &examID},
		{models.ScopeGlobal, nil},
	}

	for _, lookup := range lookups {
		config, err := r.repo.FindActive(ctx, lookup.scope, lookup.ref)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return models.GradingConfiguration{}, err
		}

		if key != "" {
			if payload, err := json.Marshal(config); err == nil {
				if err := r.cache.Set(ctx, key, payload, r.ttl).Err(); err != nil {
					r.logger.Warn().Err(err).Msg("resolver cache write failed")
				}
			}
		}
		return config, nil
	}

	return models.GradingConfiguration{}, fmt.Errorf("%w: question %d", ErrNoGradingConfiguration, question.ID)
}

// Invalidate bumps the cache version so entries written before a configuration
// change are never read again.
func (r *configResolver) Invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Incr(ctx, resolverVersionKey).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to bump resolver cache version")
	}
}

func (r *configResolver) cacheKey(ctx context.Context, question models.Question) string {
	if r.cache == nil {
		return ""
	}
	version, err := r.cache.Get(ctx, resolverVersionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn().Err(err).Msg("resolver cache unavailable, reading configurations directly")
		return ""
	}
	return fmt.Sprintf("gema:grading:config:v%d:q%d:e%d", version, question.ID, question.ExamID)
}

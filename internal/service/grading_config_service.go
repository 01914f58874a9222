package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/repository"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

// GradingDefaults carries the configured fallbacks for omitted configuration fields.
type GradingDefaults struct {
	AutoGradeThreshold float64
	TimeoutSeconds     int
	MaxRetries         int
}

// DefaultGradingDefaults mirrors the values used when nothing is configured.
func DefaultGradingDefaults() GradingDefaults {
	return GradingDefaults{AutoGradeThreshold: 80, TimeoutSeconds: 300, MaxRetries: 3}
}

// GradingConfigService manages grading configurations and lists providers.
type GradingConfigService interface {
	List(ctx context.Context, filter dto.GradingConfigurationFilter) ([]dto.GradingConfigurationResponse, error)
	Get(ctx context.Context, id uint) (dto.GradingConfigurationResponse, error)
	Create(ctx context.Context, req dto.GradingConfigurationRequest) (dto.GradingConfigurationResponse, error)
	Update(ctx context.Context, id uint, req dto.GradingConfigurationUpdateRequest) (dto.GradingConfigurationResponse, error)
	Delete(ctx context.Context, id uint) error
	ListProviders() []scoring.Descriptor
}

type gradingConfigService struct {
	repo      repository.GradingConfigurationRepository
	resolver  ConfigResolver
	registry  *scoring.Registry
	validator *validator.Validate
	defaults  GradingDefaults
	logger    zerolog.Logger
}

// NewGradingConfigService constructs the configuration service.
func NewGradingConfigService(repo repository.GradingConfigurationRepository, resolver ConfigResolver, registry *scoring.Registry, validate *validator.Validate, defaults GradingDefaults, logger zerolog.Logger) GradingConfigService {
	return &gradingConfigService{
		repo:      repo,
		resolver:  resolver,
		registry:  registry,
		validator: validate,
		defaults:  defaults,
		logger:    logger.With().Str("component", "grading_config_service").Logger(),
	}
}

func (s *gradingConfigService) List(ctx context.Context, filter dto.GradingConfigurationFilter) ([]dto.GradingConfigurationResponse, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}
	configs, err := s.repo.List(ctx, repository.GradingConfigurationFilter{
		Scope:      filter.Scope,
		ExamID:     filter.ExamID,
		QuestionID: filter.QuestionID,
		ActiveOnly: filter.ActiveOnly,
	})
	if err != nil {
		return nil, err
	}
	return dto.NewGradingConfigurationResponseSlice(configs), nil
}

func (s *gradingConfigService) Get(ctx context.Context, id uint) (dto.GradingConfigurationResponse, error) {
	config, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingConfigurationResponse{}, ErrConfigurationNotFound
		}
		return dto.GradingConfigurationResponse{}, err
	}
	return dto.NewGradingConfigurationResponse(config), nil
}

func (s *gradingConfigService) Create(ctx context.Context, req dto.GradingConfigurationRequest) (dto.GradingConfigurationResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.GradingConfigurationResponse{}, err
	}

	config := models.GradingConfiguration{
		Scope:                 req.Scope,
		ExamID:                req.ExamID,
		QuestionID:            req.QuestionID,
		ProviderName:          req.ProviderName,
		ProviderSettings:      req.ProviderSettings,
		SystemPrompt:          strings.TrimSpace(req.SystemPrompt),
		GradingPromptTemplate: strings.TrimSpace(req.GradingPromptTemplate),
		AutoGradeThreshold:    s.defaults.AutoGradeThreshold,
		TimeoutSeconds:        s.defaults.TimeoutSeconds,
		MaxRetries:            s.defaults.MaxRetries,
		IsActive:              true,
	}
	if req.AutoGradeThreshold != nil {
		config.AutoGradeThreshold = *req.AutoGradeThreshold
	}
	if req.RequireManualReview != nil {
		config.RequireManualReview = *req.RequireManualReview
	}
	if req.TimeoutSeconds != nil {
		config.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		config.MaxRetries = *req.MaxRetries
	}
	if req.IsActive != nil {
		config.IsActive = *req.IsActive
	}

	if err := validateScopeRefs(config); err != nil {
		return dto.GradingConfigurationResponse{}, err
	}

	if err := s.repo.Create(ctx, &config); err != nil {
		return dto.GradingConfigurationResponse{}, err
	}
	s.resolver.Invalidate(ctx)

	s.logger.Info().
		Uint("configuration_id", config.ID).
		Str("scope", config.Scope).
		Str("provider", config.ProviderName).
		Msg("grading configuration created")

	return dto.NewGradingConfigurationResponse(config), nil
}

func (s *gradingConfigService) Update(ctx context.Context, id uint, req dto.GradingConfigurationUpdateRequest) (dto.GradingConfigurationResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.GradingConfigurationResponse{}, err
	}

	config, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingConfigurationResponse{}, ErrConfigurationNotFound
		}
		return dto.GradingConfigurationResponse{}, err
	}

	if req.ProviderName != nil {
		config.ProviderName = *req.ProviderName
	}
	if req.ProviderSettings != nil {
		config.ProviderSettings = req.ProviderSettings
	}
	if req.SystemPrompt != nil {
		config.SystemPrompt = strings.TrimSpace(*req.SystemPrompt)
	}
	if req.GradingPromptTemplate != nil {
		config.GradingPromptTemplate = strings.TrimSpace(*req.GradingPromptTemplate)
	}
	if req.AutoGradeThreshold != nil {
		config.AutoGradeThreshold = *req.AutoGradeThreshold
	}
	if req.RequireManualReview != nil {
		config.RequireManualReview = *req.RequireManualReview
	}
	if req.TimeoutSeconds != nil {
		config.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		config.MaxRetries = *req.MaxRetries
	}
	if req.IsActive != nil {
		config.IsActive = *req.IsActive
	}

	if err := s.repo.Update(ctx, &config); err != nil {
		return dto.GradingConfigurationResponse{}, err
	}
	s.resolver.Invalidate(ctx)

	return dto.NewGradingConfigurationResponse(config), nil
}

func (s *gradingConfigService) Delete(ctx context.Context, id uint) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConfigurationNotFound
		}
		return err
	}
	s.resolver.Invalidate(ctx)
	return nil
}

func (s *gradingConfigService) ListProviders() []scoring.Descriptor {
	return s.registry.Descriptors()
}

func validateScopeRefs(config models.GradingConfiguration) error {
	switch config.Scope {
	case models.ScopeGlobal:
		if config.ExamID != nil || config.QuestionID != nil {
			return fmt.Errorf("%w: global configurations take no exam or question", ErrConfigurationScope)
		}
	case models.ScopeExam:
		if config.ExamID == nil || config.QuestionID != nil {
			return fmt.Errorf("%w: exam configurations need exam_id only", ErrConfigurationScope)
		}
	case models.ScopeQuestion:
		if config.QuestionID == nil {
			return fmt.Errorf("%w: question configurations need question_id", ErrConfigurationScope)
		}
	}
	return nil
}

package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/models"
)

// GradingConfigurationFilter narrows configuration listings.
type GradingConfigurationFilter struct {
	Scope      *string
	ExamID     *uint
	QuestionID *uint
	ActiveOnly bool
}

// GradingConfigurationRepository persists grading configurations.
type GradingConfigurationRepository interface {
	List(ctx context.Context, filter GradingConfigurationFilter) ([]models.GradingConfiguration, error)
	GetByID(ctx context.Context, id uint) (models.GradingConfiguration, error)
	FindActive(ctx context.Context, scope string, ref *uint) (models.GradingConfiguration, error)
	Create(ctx context.Context, config *models.GradingConfiguration) error
	Update(ctx context.Context, config *models.GradingConfiguration) error
	Delete(ctx context.Context, id uint) error
}

type gradingConfigurationRepository struct {
	db *gorm.DB
}

// NewGradingConfigurationRepository instantiates the repository.
func NewGradingConfigurationRepository(db *gorm.DB) GradingConfigurationRepository {
	return &gradingConfigurationRepository{db: db}
}

func (r *gradingConfigurationRepository) List(ctx context.Context, filter GradingConfigurationFilter) ([]models.GradingConfiguration, error) {
	query := r.db.WithContext(ctx).Model(&models.GradingConfiguration{})

	if filter.Scope != nil {
		query = query.Where("scope = ?", *filter.Scope)
	}
	if filter.ExamID != nil {
		query = query.Where("exam_id = ?", *filter.ExamID)
	}
	if filter.QuestionID != nil {
		query = query.Where("question_id = ?", *filter.QuestionID)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}

	var configs []models.GradingConfiguration
	if err := query.Order("updated_at DESC").Order("id DESC").Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *gradingConfigurationRepository) GetByID(ctx context.Context, id uint) (models.GradingConfiguration, error) {
	var config models.GradingConfiguration
	if err := r.db.WithContext(ctx).First(&config, id).Error; err != nil {
		return models.GradingConfiguration{}, err
	}
	return config, nil
}

// FindActive returns the most recently updated active configuration for the
// scope. ref is the question id for question scope, the exam id for exam scope
// and ignored for global scope.
func (r *gradingConfigurationRepository) FindActive(ctx context.Context, scope string, ref *uint) (models.GradingConfiguration, error) {
	query := r.db.WithContext(ctx).
		Where("scope = ?", scope).
		Where("is_active = ?", true)

	switch scope {
	case models.ScopeQuestion:
		if ref == nil {
			return models.GradingConfiguration{}, gorm.ErrRecordNotFound
		}
		query = query.Where("question_id = ?", *ref)
	case models.ScopeExam:
		if ref == nil {
			return models.GradingConfiguration{}, gorm.ErrRecordNotFound
		}
		query = query.Where("exam_id = ?", *ref)
	}

	var config models.GradingConfiguration
	if err := query.Order("updated_at DESC").Order("id DESC").First(&config).Error; err != nil {
		return models.GradingConfiguration{}, err
	}
	return config, nil
}

func (r *gradingConfigurationRepository) Create(ctx context.Context, config *models.GradingConfiguration) error {
	return r.db.WithContext(ctx).Create(config).Error
}

func (r *gradingConfigurationRepository) Update(ctx context.Context, config *models.GradingConfiguration) error {
	return r.db.WithContext(ctx).Save(config).Error
}

func (r *gradingConfigurationRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.GradingConfiguration{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

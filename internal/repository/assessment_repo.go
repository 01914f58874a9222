package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/models"
)

// AssessmentRepository reads exam content and writes grading outcomes back to
// answers and submissions.
type AssessmentRepository interface {
	GetQuestion(ctx context.Context, id uint) (models.Question, error)
	GetAnswer(ctx context.Context, id uint) (models.SubmissionAnswer, error)
	GetSubmission(ctx context.Context, id uint) (models.Submission, error)
	ListAnswersByIDs(ctx context.Context, ids []uint) ([]models.SubmissionAnswer, error)
	SaveAnswerGrade(ctx context.Context, answer *models.SubmissionAnswer) error
	FlagAnswerForReview(ctx context.Context, id uint, metadata map[string]interface{}) error
	SaveSubmissionVerdict(ctx context.Context, submission *models.Submission) error
}

type assessmentRepository struct {
	db *gorm.DB
}

// NewAssessmentRepository instantiates the repository.
func NewAssessmentRepository(db *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: db}
}

func (r *assessmentRepository) GetQuestion(ctx context.Context, id uint) (models.Question, error) {
	var question models.Question
	if err := r.db.WithContext(ctx).First(&question, id).Error; err != nil {
		return models.Question{}, err
	}
	return question, nil
}

func (r *assessmentRepository) GetAnswer(ctx context.Context, id uint) (models.SubmissionAnswer, error) {
	var answer models.SubmissionAnswer
	if err := r.db.WithContext(ctx).Preload("Question").First(&answer, id).Error; err != nil {
		return models.SubmissionAnswer{}, err
	}
	return answer, nil
}

func (r *assessmentRepository) GetSubmission(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).
		Preload("Exam").
		Preload("Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Answers.Question").
		First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *assessmentRepository) ListAnswersByIDs(ctx context.Context, ids []uint) ([]models.SubmissionAnswer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var answers []models.SubmissionAnswer
	if err := r.db.WithContext(ctx).
		Preload("Question").
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&answers).Error; err != nil {
		return nil, err
	}
	return answers, nil
}

// SaveAnswerGrade writes only the grading-owned columns of the answer.
func (r *assessmentRepository) SaveAnswerGrade(ctx context.Context, answer *models.SubmissionAnswer) error {
	return r.db.WithContext(ctx).
		Model(&models.SubmissionAnswer{ID: answer.ID}).
		Select("score", "feedback", "graded_by", "is_correct", "requires_manual_review", "grading_metadata", "updated_at").
		Updates(map[string]interface{}{
			"score":                  answer.Score,
			"feedback":               answer.Feedback,
			"graded_by":              answer.GradedBy,
			"is_correct":             answer.IsCorrect,
			"requires_manual_review": answer.RequiresManualReview,
			"grading_metadata":       answer.GradingMetadata,
			"updated_at":             time.Now().UTC(),
		}).Error
}

// FlagAnswerForReview raises the manual review flag without touching the score.
func (r *assessmentRepository) FlagAnswerForReview(ctx context.Context, id uint, metadata map[string]interface{}) error {
	updates := map[string]interface{}{
		"requires_manual_review": true,
		"updated_at":             time.Now().UTC(),
	}
	if metadata != nil {
		updates["grading_metadata"] = datatypes.JSONMap(metadata)
	}
	return r.db.WithContext(ctx).
		Model(&models.SubmissionAnswer{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *assessmentRepository) SaveSubmissionVerdict(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).
		Model(&models.Submission{ID: submission.ID}).
		Select("status", "total_score", "percentage", "is_passed", "graded_at", "updated_at").
		Updates(map[string]interface{}{
			"status":      submission.Status,
			"total_score": submission.TotalScore,
			"percentage":  submission.Percentage,
			"is_passed":   submission.IsPassed,
			"graded_at":   submission.GradedAt,
			"updated_at":  time.Now().UTC(),
		}).Error
}

package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/models"
)

// ErrActiveTaskExists reports that the target already has a non-terminal task.
var ErrActiveTaskExists = errors.New("target already has an active grading task")

// TaskCount is one row of the grouped task statistics.
type TaskCount struct {
	Method string
	Status string
	Count  int64
}

// GradingTaskRepository persists grading tasks and enforces the single
// active task per target through the unique active_key column.
type GradingTaskRepository interface {
	CreateActive(ctx context.Context, task *models.GradingTask) (models.GradingTask, error)
	Create(ctx context.Context, task *models.GradingTask) error
	GetByID(ctx context.Context, id uint) (models.GradingTask, error)
	FindActiveByKey(ctx context.Context, key string) (models.GradingTask, error)
	ClaimAttempt(ctx context.Context, id uint, attempt int, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id uint, attempt int, next time.Time, lastError datatypes.JSON) error
	Finish(ctx context.Context, task *models.GradingTask) error
	CountActiveBySubmission(ctx context.Context, submissionID uint) (int64, error)
	ListActive(ctx context.Context) ([]models.GradingTask, error)
	CountByMethodAndStatus(ctx context.Context) ([]TaskCount, error)
}

type gradingTaskRepository struct {
	db *gorm.DB
}

// NewGradingTaskRepository instantiates the repository.
func NewGradingTaskRepository(db *gorm.DB) GradingTaskRepository {
	return &gradingTaskRepository{db: db}
}

var activeStatuses = []string{models.TaskStatusPending, models.TaskStatusInProgress}

// CreateActive inserts task unless another non-terminal task holds the same
// active key. On conflict the holder is returned with ErrActiveTaskExists.
// The insert itself is the lock: the unique index rejects the second writer.
func (r *gradingTaskRepository) CreateActive(ctx context.Context, task *models.GradingTask) (models.GradingTask, error) {
	if task.ActiveKey == nil {
		return models.GradingTask{}, errors.New("active task requires an active key")
	}

	const attempts = 3
	var createErr error
	for i := 0; i < attempts; i++ {
		createErr = r.db.WithContext(ctx).Create(task).Error
		if createErr == nil {
			return *task, nil
		}

		existing, err := r.FindActiveByKey(ctx, *task.ActiveKey)
		if err == nil {
			return existing, ErrActiveTaskExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.GradingTask{}, err
		}
		// The holder turned terminal between the insert and the lookup; the
		// key is free again unless the insert failed for another reason.
		task.ID = 0
	}
	return models.GradingTask{}, createErr
}

func (r *gradingTaskRepository) Create(ctx context.Context, task *models.GradingTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *gradingTaskRepository) GetByID(ctx context.Context, id uint) (models.GradingTask, error) {
	var task models.GradingTask
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return models.GradingTask{}, err
	}
	return task, nil
}

func (r *gradingTaskRepository) FindActiveByKey(ctx context.Context, key string) (models.GradingTask, error) {
	var task models.GradingTask
	if err := r.db.WithContext(ctx).Where("active_key = ?", key).First(&task).Error; err != nil {
		return models.GradingTask{}, err
	}
	return task, nil
}

// ClaimAttempt moves the task to in_progress for the given attempt number. It
// only succeeds when the previous attempt is the latest one recorded, so a
// duplicated or stale delivery never runs twice.
func (r *gradingTaskRepository) ClaimAttempt(ctx context.Context, id uint, attempt int, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GradingTask{}).
		Where("id = ?", id).
		Where("attempt = ?", attempt-1).
		Where("status IN ?", activeStatuses).
		Updates(map[string]interface{}{
			"status":          models.TaskStatusInProgress,
			"attempt":         attempt,
			"started_at":      gorm.Expr("COALESCE(started_at, ?)", now),
			"next_attempt_at": nil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *gradingTaskRepository) ScheduleRetry(ctx context.Context, id uint, attempt int, next time.Time, lastError datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&models.GradingTask{}).
		Where("id = ?", id).
		Where("attempt = ?", attempt).
		Updates(map[string]interface{}{
			"next_attempt_at": next,
			"error":           lastError,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// Finish records the terminal state and releases the active key in the same
// statement.
func (r *gradingTaskRepository) Finish(ctx context.Context, task *models.GradingTask) error {
	task.ActiveKey = nil
	task.NextAttemptAt = nil
	return r.db.WithContext(ctx).
		Model(&models.GradingTask{ID: task.ID}).
		Select("status", "completed_at", "started_at", "result", "error", "active_key", "next_attempt_at", "updated_at").
		Updates(map[string]interface{}{
			"status":          task.Status,
			"completed_at":    task.CompletedAt,
			"started_at":      task.StartedAt,
			"result":          task.Result,
			"error":           task.Error,
			"active_key":      nil,
			"next_attempt_at": nil,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *gradingTaskRepository) CountActiveBySubmission(ctx context.Context, submissionID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.GradingTask{}).
		Where("submission_id = ?", submissionID).
		Where("status IN ?", activeStatuses).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *gradingTaskRepository) ListActive(ctx context.Context) ([]models.GradingTask, error) {
	var tasks []models.GradingTask
	if err := r.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *gradingTaskRepository) CountByMethodAndStatus(ctx context.Context) ([]TaskCount, error) {
	var rows []TaskCount
	if err := r.db.WithContext(ctx).
		Model(&models.GradingTask{}).
		Select("method, status, COUNT(*) AS count").
		Group("method, status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Configuration scopes in precedence order (question beats exam beats global).
const (
	ScopeGlobal   = "global"
	ScopeExam     = "exam"
	ScopeQuestion = "question"
)

// Grading task statuses. Completed and failed are terminal.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// GradingConfiguration is a rule set describing how answers are graded.
type GradingConfiguration struct {
	ID                    uint              `gorm:"primaryKey" json:"id"`
	Scope                 string            `gorm:"size:16;not null;index:idx_grading_config_scope,priority:1" json:"scope"`
	ExamID                *uint             `gorm:"index" json:"exam_id"`
	QuestionID            *uint             `gorm:"index" json:"question_id"`
	ProviderName          string            `gorm:"size:32;not null" json:"provider_name"`
	ProviderSettings      datatypes.JSONMap `json:"provider_settings"`
	SystemPrompt          string            `gorm:"type:text" json:"system_prompt"`
	GradingPromptTemplate string            `gorm:"type:text" json:"grading_prompt_template"`
	AutoGradeThreshold    float64           `gorm:"not null" json:"auto_grade_threshold"`
	RequireManualReview   bool              `gorm:"not null" json:"require_manual_review"`
	TimeoutSeconds        int               `gorm:"not null" json:"timeout_seconds"`
	MaxRetries            int               `gorm:"not null" json:"max_retries"`
	IsActive              bool              `gorm:"not null;index:idx_grading_config_scope,priority:2" json:"is_active"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// TableName pins the table name used by the grading engine.
func (GradingConfiguration) TableName() string {
	return "grading_configurations"
}

// GradingTask is one unit of scoring work for an answer, or for the batch of
// objective answers of a submission when AnswerID is nil.
type GradingTask struct {
	ID                  uint              `gorm:"primaryKey" json:"id"`
	SubmissionID        uint              `gorm:"not null;index" json:"submission_id"`
	AnswerID            *uint             `gorm:"index" json:"answer_id"`
	Method              string            `gorm:"size:32;not null;index" json:"method"`
	Status              string            `gorm:"size:16;not null;index" json:"status"`
	Attempt             int               `gorm:"not null" json:"attempt"`
	MaxRetries          int               `gorm:"not null" json:"max_retries"`
	TimeoutSeconds      int               `gorm:"not null" json:"timeout_seconds"`
	ConfigurationID     *uint             `json:"configuration_id"`
	Settings            datatypes.JSONMap `json:"settings"`
	SystemPrompt        string            `gorm:"type:text" json:"-"`
	PromptTemplate      string            `gorm:"type:text" json:"-"`
	AutoGradeThreshold  float64           `gorm:"not null" json:"auto_grade_threshold"`
	RequireManualReview bool              `gorm:"not null" json:"require_manual_review"`
	ForceRegrade        bool              `gorm:"not null" json:"force_regrade"`
	ActiveKey           *string           `gorm:"size:64;uniqueIndex" json:"-"`
	StartedAt           *time.Time        `json:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at"`
	NextAttemptAt       *time.Time        `json:"next_attempt_at"`
	Result              datatypes.JSON    `json:"result"`
	Error               datatypes.JSON    `json:"error"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// TableName pins the table name used by the grading engine.
func (GradingTask) TableName() string {
	return "grading_tasks"
}

// MaxAttempts is the number of provider invocations allowed before the task fails.
func (t GradingTask) MaxAttempts() int {
	if t.MaxRetries < 1 {
		return 1
	}
	return t.MaxRetries
}

// IsTerminal reports whether the task reached completed or failed.
func (t GradingTask) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Duration returns the elapsed time between start and completion, if both are known.
func (t GradingTask) Duration() *time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return nil
	}
	d := t.CompletedAt.Sub(*t.StartedAt)
	return &d
}

package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grading/internal/models"
)

// GradingConfigurationRequest is used to create a grading configuration.
type GradingConfigurationRequest struct {
	Scope                 string                 `json:"scope" validate:"required,oneof=global exam question"`
	ExamID                *uint                  `json:"exam_id" validate:"omitempty,gt=0"`
	QuestionID            *uint                  `json:"question_id" validate:"omitempty,gt=0"`
	ProviderName          string                 `json:"provider_name" validate:"required,oneof=exact_match keyword_match text_similarity openai claude gemini"`
	ProviderSettings      map[string]interface{} `json:"provider_settings"`
	SystemPrompt          string                 `json:"system_prompt" validate:"omitempty,max=4000"`
	GradingPromptTemplate string                 `json:"grading_prompt_template" validate:"omitempty,max=8000"`
	AutoGradeThreshold    *float64               `json:"auto_grade_threshold" validate:"omitempty,gte=0,lte=100"`
	RequireManualReview   *bool                  `json:"require_manual_review"`
	TimeoutSeconds        *int                   `json:"timeout_seconds" validate:"omitempty,gt=0,lte=3600"`
	MaxRetries            *int                   `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
	IsActive              *bool                  `json:"is_active"`
}

// GradingConfigurationUpdateRequest patches an existing configuration.
type GradingConfigurationUpdateRequest struct {
	ProviderName          *string                `json:"provider_name" validate:"omitempty,oneof=exact_match keyword_match text_similarity openai claude gemini"`
	ProviderSettings      map[string]interface{} `json:"provider_settings"`
	SystemPrompt          *string                `json:"system_prompt" validate:"omitempty,max=4000"`
	GradingPromptTemplate *string                `json:"grading_prompt_template" validate:"omitempty,max=8000"`
	AutoGradeThreshold    *float64               `json:"auto_grade_threshold" validate:"omitempty,gte=0,lte=100"`
	RequireManualReview   *bool                  `json:"require_manual_review"`
	TimeoutSeconds        *int                   `json:"timeout_seconds" validate:"omitempty,gt=0,lte=3600"`
	MaxRetries            *int                   `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
	IsActive              *bool                  `json:"is_active"`
}

// GradingConfigurationFilter describes query string filters for listing configurations.
type GradingConfigurationFilter struct {
	Scope      *string `query:"scope" validate:"omitempty,oneof=global exam question"`
	ExamID     *uint   `query:"exam_id"`
	QuestionID *uint   `query:"question_id"`
	ActiveOnly bool    `query:"active_only"`
}

// GradingConfigurationResponse serializes a configuration.
type GradingConfigurationResponse struct {
	ID                    uint                   `json:"id"`
	Scope                 string                 `json:"scope"`
	ExamID                *uint                  `json:"exam_id"`
	QuestionID            *uint                  `json:"question_id"`
	ProviderName          string                 `json:"provider_name"`
	ProviderSettings      map[string]interface{} `json:"provider_settings"`
	SystemPrompt          string                 `json:"system_prompt"`
	GradingPromptTemplate string                 `json:"grading_prompt_template"`
	AutoGradeThreshold    float64                `json:"auto_grade_threshold"`
	RequireManualReview   bool                   `json:"require_manual_review"`
	TimeoutSeconds        int                    `json:"timeout_seconds"`
	MaxRetries            int                    `json:"max_retries"`
	IsActive              bool                   `json:"is_active"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// NewGradingConfigurationResponse converts a model into its DTO.
func NewGradingConfigurationResponse(model models.GradingConfiguration) GradingConfigurationResponse {
	settings := map[string]interface{}(model.ProviderSettings)
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return GradingConfigurationResponse{
		ID:                    model.ID,
		Scope:                 model.Scope,
		ExamID:                model.ExamID,
		QuestionID:            model.QuestionID,
		ProviderName:          model.ProviderName,
		ProviderSettings:      settings,
		SystemPrompt:          model.SystemPrompt,
		GradingPromptTemplate: model.GradingPromptTemplate,
		AutoGradeThreshold:    model.AutoGradeThreshold,
		RequireManualReview:   model.RequireManualReview,
		TimeoutSeconds:        model.TimeoutSeconds,
		MaxRetries:            model.MaxRetries,
		IsActive:              model.IsActive,
		CreatedAt:             model.CreatedAt,
		UpdatedAt:             model.UpdatedAt,
	}
}

// NewGradingConfigurationResponseSlice converts a list of configurations.
func NewGradingConfigurationResponseSlice(items []models.GradingConfiguration) []GradingConfigurationResponse {
	out := make([]GradingConfigurationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewGradingConfigurationResponse(item))
	}
	return out
}

// TaskHandle is returned by grading entry points. Created is false when an
// existing task was returned instead of dispatching a new one.
type TaskHandle struct {
	TaskID       uint   `json:"task_id"`
	SubmissionID uint   `json:"submission_id"`
	AnswerID     *uint  `json:"answer_id"`
	Method       string `json:"method"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	Created      bool   `json:"created"`
}

// NewTaskHandle builds a handle from a task.
func NewTaskHandle(task models.GradingTask, created bool) TaskHandle {
	return TaskHandle{
		TaskID:       task.ID,
		SubmissionID: task.SubmissionID,
		AnswerID:     task.AnswerID,
		Method:       task.Method,
		Status:       task.Status,
		Attempt:      task.Attempt,
		Created:      created,
	}
}

// TaskResult is the structured payload stored on a completed task.
type TaskResult struct {
	Score         float64 `json:"score"`
	Feedback      string  `json:"feedback"`
	Confidence    float64 `json:"confidence"`
	GradedAnswers int     `json:"graded_answers,omitempty"`
}

// TaskError is the structured failure reason stored on a task.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// GradingTaskResponse serializes a task for status polling.
type GradingTaskResponse struct {
	ID              uint        `json:"id"`
	SubmissionID    uint        `json:"submission_id"`
	AnswerID        *uint       `json:"answer_id"`
	Method          string      `json:"method"`
	Status          string      `json:"status"`
	Attempt         int         `json:"attempt"`
	MaxRetries      int         `json:"max_retries"`
	ConfigurationID *uint       `json:"configuration_id"`
	ForceRegrade    bool        `json:"force_regrade"`
	StartedAt       *time.Time  `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at"`
	NextAttemptAt   *time.Time  `json:"next_attempt_at"`
	DurationSeconds *float64    `json:"duration_seconds"`
	Result          *TaskResult `json:"result"`
	Error           *TaskError  `json:"error"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// NewGradingTaskResponse converts a task model into its DTO.
func NewGradingTaskResponse(task models.GradingTask) GradingTaskResponse {
	response := GradingTaskResponse{
		ID:              task.ID,
		SubmissionID:    task.SubmissionID,
		AnswerID:        task.AnswerID,
		Method:          task.Method,
		Status:          task.Status,
		Attempt:         task.Attempt,
		MaxRetries:      task.MaxRetries,
		ConfigurationID: task.ConfigurationID,
		ForceRegrade:    task.ForceRegrade,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
		NextAttemptAt:   task.NextAttemptAt,
		CreatedAt:       task.CreatedAt,
		UpdatedAt:       task.UpdatedAt,
	}
	if d := task.Duration(); d != nil {
		seconds := d.Seconds()
		response.DurationSeconds = &seconds
	}
	if len(task.Result) > 0 {
		var result TaskResult
		if err := json.Unmarshal(task.Result, &result); err == nil {
			response.Result = &result
		}
	}
	if len(task.Error) > 0 {
		var taskErr TaskError
		if err := json.Unmarshal(task.Error, &taskErr); err == nil {
			response.Error = &taskErr
		}
	}
	return response
}

// TaskStatistics summarises task counts.
type TaskStatistics struct {
	Total      int64            `json:"total"`
	Pending    int64            `json:"pending"`
	InProgress int64            `json:"in_progress"`
	Completed  int64            `json:"completed"`
	Failed     int64            `json:"failed"`
	ByMethod   map[string]int64 `json:"by_method"`
}

// GradeRequest carries the optional force flag for grade endpoints.
type GradeRequest struct {
	ForceRegrade bool `json:"force_regrade" query:"force_regrade"`
}

// BulkGradeRequest grades many submissions at once.
type BulkGradeRequest struct {
	SubmissionIDs []uint `json:"submission_ids" validate:"required,min=1,max=500,dive,gt=0"`
	ForceRegrade  bool   `json:"force_regrade"`
}

// BulkGradeFailure reports a submission that could not be dispatched.
type BulkGradeFailure struct {
	SubmissionID uint   `json:"submission_id"`
	Error        string `json:"error"`
}

// BulkGradeResponse reports how many tasks a bulk request touched.
type BulkGradeResponse struct {
	TaskCount int                `json:"task_count"`
	Failures  []BulkGradeFailure `json:"failures,omitempty"`
}

// ManualGradeRequest records a human score for an answer.
type ManualGradeRequest struct {
	Score    *float64 `json:"score" validate:"required,gte=0"`
	Feedback string   `json:"feedback" validate:"omitempty,max=4000"`
}

// AnswerGradeResponse serializes the grading-owned fields of an answer.
type AnswerGradeResponse struct {
	ID                   uint                   `json:"id"`
	SubmissionID         uint                   `json:"submission_id"`
	QuestionID           uint                   `json:"question_id"`
	Score                *float64               `json:"score"`
	Feedback             string                 `json:"feedback"`
	GradedBy             string                 `json:"graded_by"`
	IsCorrect            *bool                  `json:"is_correct"`
	RequiresManualReview bool                   `json:"requires_manual_review"`
	GradingMetadata      map[string]interface{} `json:"grading_metadata"`
}

// NewAnswerGradeResponse converts an answer into its DTO.
func NewAnswerGradeResponse(answer models.SubmissionAnswer) AnswerGradeResponse {
	return AnswerGradeResponse{
		ID:                   answer.ID,
		SubmissionID:         answer.SubmissionID,
		QuestionID:           answer.QuestionID,
		Score:                answer.Score,
		Feedback:             answer.Feedback,
		GradedBy:             answer.GradedBy,
		IsCorrect:            answer.IsCorrect,
		RequiresManualReview: answer.RequiresManualReview,
		GradingMetadata:      answer.GradingMetadata,
	}
}

// TaskEvent is published on every task transition.
type TaskEvent struct {
	TaskID       uint      `json:"task_id"`
	SubmissionID uint      `json:"submission_id"`
	AnswerID     *uint     `json:"answer_id"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	Score        *float64  `json:"score,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

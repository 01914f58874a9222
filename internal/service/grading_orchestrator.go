package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/queue"
	"github.com/noah-isme/gema-grading/internal/repository"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

// OrchestratorConfig holds the execution policy passed in at construction.
type OrchestratorConfig struct {
	Defaults       GradingDefaults
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Correctness    CorrectnessPolicy
	RecoverOnStart bool
}

// GradingOrchestrator turns grading requests into tasks and is the only
// component that mutates task state.
type GradingOrchestrator interface {
	GradeAnswer(ctx context.Context, answerID uint, force bool) (dto.TaskHandle, error)
	GradeSubmission(ctx context.Context, submissionID uint, force bool) ([]dto.TaskHandle, error)
	BulkGrade(ctx context.Context, req dto.BulkGradeRequest) (dto.BulkGradeResponse, error)
	GetTask(ctx context.Context, id uint) (dto.GradingTaskResponse, error)
	GetTaskStatistics(ctx context.Context) (dto.TaskStatistics, error)
	RetryTask(ctx context.Context, id uint) (dto.TaskHandle, error)
	RegradeSubmission(ctx context.Context, submissionID uint, all bool) ([]dto.TaskHandle, error)
	RecordManualGrade(ctx context.Context, answerID uint, reviewer string, req dto.ManualGradeRequest) (dto.AnswerGradeResponse, error)
	Start(ctx context.Context) error
	Stop()
	Recover(ctx context.Context) (int, error)
}

type gradingOrchestrator struct {
	tasks       repository.GradingTaskRepository
	assessments repository.AssessmentRepository
	resolver    ConfigResolver
	registry    *scoring.Registry
	dispatcher  queue.Dispatcher
	aggregator  ResultAggregator
	events      GradingEvents
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	cfg         OrchestratorConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewGradingOrchestrator wires the orchestrator. events may be nil.
func NewGradingOrchestrator(
	tasks repository.GradingTaskRepository,
	assessments repository.AssessmentRepository,
	resolver ConfigResolver,
	registry *scoring.Registry,
	dispatcher queue.Dispatcher,
	aggregator ResultAggregator,
	events GradingEvents,
	validate *validator.Validate,
	cfg OrchestratorConfig,
	logger zerolog.Logger,
) GradingOrchestrator {
	if cfg.Defaults == (GradingDefaults{}) {
		cfg.Defaults = DefaultGradingDefaults()
	}
	return &gradingOrchestrator{
		tasks:       tasks,
		assessments: assessments,
		resolver:    resolver,
		registry:    registry,
		dispatcher:  dispatcher,
		aggregator:  aggregator,
		events:      events,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		cfg:         cfg,
		logger:      logger.With().Str("component", "grading_orchestrator").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grading/internal/service/grading"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (o *gradingOrchestrator) Start(ctx context.Context) error {
	if err := o.dispatcher.Start(ctx, func(ctx context.Context, job queue.Job) {
		o.execute(ctx, job.TaskID, job.Attempt)
	}); err != nil {
		return err
	}
	if o.cfg.RecoverOnStart {
		if _, err := o.Recover(ctx); err != nil {
			o.logger.Error().Err(err).Msg("failed to recover unfinished grading tasks")
		}
	}
	return nil
}

func (o *gradingOrchestrator) Stop() {
	o.dispatcher.Stop()
}

func (o *gradingOrchestrator) GradeAnswer(ctx context.Context, answerID uint, force bool) (dto.TaskHandle, error) {
	ctx, span := o.tracer.Start(ctx, "grading.grade_answer", trace.WithAttributes(
		attribute.Int64("answer.id", int64(answerID)),
		attribute.Bool("grading.force_regrade", force),
	))
	defer span.End()

	answer, err := o.assessments.GetAnswer(ctx, answerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.TaskHandle{}, ErrAnswerNotFound
		}
		span.RecordError(err)
		return dto.TaskHandle{}, err
	}

	handle, err := o.gradeAnswer(ctx, answer, force)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.TaskHandle{}, err
	}
	return handle, nil
}

func (o *gradingOrchestrator) GradeSubmission(ctx context.Context, submissionID uint, force bool) ([]dto.TaskHandle, error) {
	ctx, span := o.tracer.Start(ctx, "grading.grade_submission", trace.WithAttributes(
		attribute.Int64("submission.id", int64(submissionID)),
		attribute.Bool("grading.force_regrade", force),
	))
	defer span.End()

	submission, err := o.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	handles, err := o.gradeSubmission(ctx, submission, force, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return handles, err
}

// BulkGrade grades each submission independently. A failure for one
// submission is reported and never stops the others; cancelling ctx prevents
// further submissions from starting.
func (o *gradingOrchestrator) BulkGrade(ctx context.Context, req dto.BulkGradeRequest) (dto.BulkGradeResponse, error) {
	if err := o.validator.Struct(req); err != nil {
		return dto.BulkGradeResponse{}, err
	}

	response := dto.BulkGradeResponse{}
	for _, submissionID := range req.SubmissionIDs {
		if err := ctx.Err(); err != nil {
			response.Failures = append(response.Failures, dto.BulkGradeFailure{SubmissionID: submissionID, Error: err.Error()})
			continue
		}

		handles, err := o.GradeSubmission(ctx, submissionID, req.ForceRegrade)
		response.TaskCount += len(handles)
		if err != nil {
			o.logger.Warn().Err(err).Uint("submission_id", submissionID).Msg("bulk grading skipped submission")
			response.Failures = append(response.Failures, dto.BulkGradeFailure{SubmissionID: submissionID, Error: err.Error()})
		}
	}

	o.logger.Info().
		Int("submissions", len(req.SubmissionIDs)).
		Int("tasks", response.TaskCount).
		Int("failures", len(response.Failures)).
		Msg("bulk grading dispatched")

	return response, nil
}

func (o *gradingOrchestrator) GetTask(ctx context.Context, id uint) (dto.GradingTaskResponse, error) {
	task, err := o.tasks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingTaskResponse{}, ErrTaskNotFound
		}
		return dto.GradingTaskResponse{}, err
	}
	return dto.NewGradingTaskResponse(task), nil
}

func (o *gradingOrchestrator) GetTaskStatistics(ctx context.Context) (dto.TaskStatistics, error) {
	rows, err := o.tasks.CountByMethodAndStatus(ctx)
	if err != nil {
		return dto.TaskStatistics{}, err
	}

	stats := dto.TaskStatistics{ByMethod: make(map[string]int64)}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByMethod[row.Method] += row.Count
		switch row.Status {
		case models.TaskStatusPending:
			stats.Pending += row.Count
		case models.TaskStatusInProgress:
			stats.InProgress += row.Count
		case models.TaskStatusCompleted:
			stats.Completed += row.Count
		case models.TaskStatusFailed:
			stats.Failed += row.Count
		}
	}
	return stats, nil
}

// RetryTask spawns a new task for the target of a failed task. The failed
// task itself stays failed.
func (o *gradingOrchestrator) RetryTask(ctx context.Context, id uint) (dto.TaskHandle, error) {
	task, err := o.tasks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.TaskHandle{}, ErrTaskNotFound
		}
		return dto.TaskHandle{}, err
	}
	if task.Status != models.TaskStatusFailed {
		return dto.TaskHandle{}, ErrTaskNotRetryable
	}

	if task.AnswerID == nil {
		submission, err := o.loadSubmission(ctx, task.SubmissionID)
		if err != nil {
			return dto.TaskHandle{}, err
		}
		wanted := make(map[uint]struct{})
		for _, answerID := range answerIDsFromSettings(task.Settings) {
			wanted[answerID] = struct{}{}
		}
		answers := make([]models.SubmissionAnswer, 0, len(wanted))
		for _, answer := range submission.Answers {
			if _, ok := wanted[answer.ID]; ok {
				answers = append(answers, answer)
			}
		}
		handles, err := o.gradeObjectiveBatch(ctx, submission, answers, task.ForceRegrade)
		if err != nil {
			return dto.TaskHandle{}, err
		}
		if len(handles) == 0 {
			return dto.TaskHandle{}, ErrTaskNotRetryable
		}
		return handles[len(handles)-1], nil
	}

	answer, err := o.assessments.GetAnswer(ctx, *task.AnswerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.TaskHandle{}, ErrAnswerNotFound
		}
		return dto.TaskHandle{}, err
	}
	return o.gradeAnswer(ctx, answer, task.ForceRegrade)
}

// RegradeSubmission forces new tasks for every answer, or only for answers
// still flagged for manual review.
func (o *gradingOrchestrator) RegradeSubmission(ctx context.Context, submissionID uint, all bool) ([]dto.TaskHandle, error) {
	submission, err := o.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	var include func(models.SubmissionAnswer) bool
	if !all {
		include = func(answer models.SubmissionAnswer) bool { return answer.RequiresManualReview }
	}
	return o.gradeSubmission(ctx, submission, true, include)
}

// RecordManualGrade stores a reviewer's score, clears the review flag and
// re-runs aggregation.
func (o *gradingOrchestrator) RecordManualGrade(ctx context.Context, answerID uint, reviewer string, req dto.ManualGradeRequest) (dto.AnswerGradeResponse, error) {
	if err := o.validator.Struct(req); err != nil {
		return dto.AnswerGradeResponse{}, err
	}

	answer, err := o.assessments.GetAnswer(ctx, answerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AnswerGradeResponse{}, ErrAnswerNotFound
		}
		return dto.AnswerGradeResponse{}, err
	}

	if _, err := o.tasks.FindActiveByKey(ctx, lockKey(answer)); err == nil {
		return dto.AnswerGradeResponse{}, ErrConcurrentGradingConflict
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.AnswerGradeResponse{}, err
	}

	score := *req.Score
	if score < 0 || score > answer.Question.Marks {
		return dto.AnswerGradeResponse{}, ErrManualScoreOutOfRange
	}

	method := models.GradedByManual
	if answer.Question.IsObjective() {
		method = scoring.MethodExactMatch
	}

	metadata := datatypes.JSONMap{}
	for key, value := range answer.GradingMetadata {
		metadata[key] = value
	}
	metadata["method"] = models.GradedByManual
	metadata["reviewed_by"] = reviewer
	metadata["reviewed_at"] = o.now().Format(time.RFC3339)

	answer.Score = &score
	answer.Feedback = strings.TrimSpace(o.sanitizer.Sanitize(req.Feedback))
	answer.GradedBy = models.GradedByManual
	answer.IsCorrect = o.cfg.Correctness.Evaluate(method, answer.Question.Marks, score, 100, 0, nil)
	answer.RequiresManualReview = false
	answer.GradingMetadata = metadata

	if err := o.assessments.SaveAnswerGrade(ctx, &answer); err != nil {
		return dto.AnswerGradeResponse{}, err
	}

	o.logger.Info().
		Uint("answer_id", answer.ID).
		Uint("submission_id", answer.SubmissionID).
		Str("reviewer", reviewer).
		Float64("score", score).
		Msg("manual grade recorded")

	o.aggregate(ctx, answer.SubmissionID)
	return dto.NewAnswerGradeResponse(answer), nil
}

// Recover re-enqueues tasks left pending or running by a previous process.
// An interrupted final attempt fails the task as a timeout.
func (o *gradingOrchestrator) Recover(ctx context.Context) (int, error) {
	tasks, err := o.tasks.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range tasks {
		if task.Status == models.TaskStatusInProgress && task.NextAttemptAt == nil && task.Attempt >= task.MaxAttempts() {
			o.fail(ctx, task, taskErrorPayload(string(scoring.FailureTimeout), "attempt interrupted by shutdown", task.Attempt))
			continue
		}

		delay := time.Duration(0)
		if task.NextAttemptAt != nil {
			delay = task.NextAttemptAt.Sub(o.now())
		}
		job := queue.Job{TaskID: task.ID, Attempt: task.Attempt + 1}
		if err := o.dispatcher.EnqueueAfter(ctx, job, delay); err != nil {
			return recovered, fmt.Errorf("re-enqueue task %d: %w", task.ID, err)
		}
		recovered++
	}

	if recovered > 0 {
		o.logger.Info().Int("tasks", recovered).Msg("recovered unfinished grading tasks")
	}
	return recovered, nil
}

func (o *gradingOrchestrator) loadSubmission(ctx context.Context, id uint) (models.Submission, error) {
	submission, err := o.assessments.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}

// gradeSubmission fans out to one task per free-text answer and a single
// inline exact-match task for the objective answers.
func (o *gradingOrchestrator) gradeSubmission(ctx context.Context, submission models.Submission, force bool, include func(models.SubmissionAnswer) bool) ([]dto.TaskHandle, error) {
	handles := make([]dto.TaskHandle, 0, len(submission.Answers))
	objective := make([]models.SubmissionAnswer, 0)
	var errs []error

	for _, answer := range submission.Answers {
		if include != nil && !include(answer) {
			continue
		}
		if answer.Question.IsObjective() {
			objective = append(objective, answer)
			continue
		}
		handle, err := o.gradeAnswer(ctx, answer, force)
		if err != nil {
			errs = append(errs, fmt.Errorf("answer %d: %w", answer.ID, err))
			continue
		}
		handles = append(handles, handle)
	}

	if len(objective) > 0 {
		batch, err := o.gradeObjectiveBatch(ctx, submission, objective, force)
		if err != nil {
			errs = append(errs, err)
		}
		handles = append(handles, batch...)
	}

	return handles, errors.Join(errs...)
}

func (o *gradingOrchestrator) gradeAnswer(ctx context.Context, answer models.SubmissionAnswer, force bool) (dto.TaskHandle, error) {
	key := lockKey(answer)
	if existing, err := o.tasks.FindActiveByKey(ctx, key); err == nil {
		return dto.NewTaskHandle(existing, false), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.TaskHandle{}, err
	}

	if !force && answer.IsGraded() {
		return o.completedHandle(ctx, answer), nil
	}

	task := models.GradingTask{
		SubmissionID: answer.SubmissionID,
		AnswerID:     &answer.ID,
		Status:       models.TaskStatusPending,
		ForceRegrade: force,
		ActiveKey:    &key,
	}

	if answer.Question.IsObjective() {
		o.applyDefaults(&task, scoring.MethodExactMatch)
	} else {
		config, err := o.resolver.Resolve(ctx, answer.Question)
		if errors.Is(err, ErrNoGradingConfiguration) {
			return o.failUnresolvable(ctx, task, answer, "no_grading_configuration", err)
		}
		if err != nil {
			return dto.TaskHandle{}, err
		}
		snapshotConfig(&task, config)
		if _, err := o.registry.Get(task.Method); err != nil {
			return o.failUnresolvable(ctx, task, answer, "unknown_provider", err)
		}
	}

	created, err := o.tasks.CreateActive(ctx, &task)
	if errors.Is(err, repository.ErrActiveTaskExists) {
		o.logger.Debug().
			Uint("answer_id", answer.ID).
			Uint("task_id", created.ID).
			Err(ErrConcurrentGradingConflict).
			Msg("returning existing grading task")
		return dto.NewTaskHandle(created, false), nil
	}
	if err != nil {
		return dto.TaskHandle{}, err
	}

	o.logger.Info().
		Uint("task_id", created.ID).
		Uint("answer_id", answer.ID).
		Uint("submission_id", answer.SubmissionID).
		Str("method", created.Method).
		Bool("force_regrade", force).
		Msg("grading task created")
	o.publish(ctx, created, nil)

	return o.dispatch(ctx, created)
}

// dispatch runs deterministic providers inline and hands remote ones to the
// worker pool.
func (o *gradingOrchestrator) dispatch(ctx context.Context, task models.GradingTask) (dto.TaskHandle, error) {
	if o.registry.IsLocal(task.Method) {
		o.execute(context.WithoutCancel(ctx), task.ID, 1)
		current, err := o.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return dto.NewTaskHandle(task, true), nil
		}
		return dto.NewTaskHandle(current, true), nil
	}

	if err := o.dispatcher.Enqueue(ctx, queue.Job{TaskID: task.ID, Attempt: 1}); err != nil {
		o.logger.Warn().Err(err).Uint("task_id", task.ID).Msg("grading task left pending for recovery")
	}
	return dto.NewTaskHandle(task, true), nil
}

func (o *gradingOrchestrator) gradeObjectiveBatch(ctx context.Context, submission models.Submission, answers []models.SubmissionAnswer, force bool) ([]dto.TaskHandle, error) {
	handles := make([]dto.TaskHandle, 0, 1)
	ids := make([]uint, 0, len(answers))

	key := objectiveKey(submission.ID)
	existing, err := o.tasks.FindActiveByKey(ctx, key)
	if err == nil {
		return append(handles, dto.NewTaskHandle(existing, false)), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return handles, err
	}

	for _, answer := range answers {
		if !force && answer.IsGraded() {
			continue
		}
		ids = append(ids, answer.ID)
	}
	if len(ids) == 0 {
		return handles, nil
	}

	task := models.GradingTask{
		SubmissionID: submission.ID,
		Status:       models.TaskStatusPending,
		ForceRegrade: force,
		ActiveKey:    &key,
	}
	o.applyDefaults(&task, scoring.MethodExactMatch)
	task.MaxRetries = 1
	task.Settings = datatypes.JSONMap{"answer_ids": ids}

	created, err := o.tasks.CreateActive(ctx, &task)
	if errors.Is(err, repository.ErrActiveTaskExists) {
		return append(handles, dto.NewTaskHandle(created, false)), nil
	}
	if err != nil {
		return handles, err
	}
	o.publish(ctx, created, nil)

	handle, err := o.dispatch(ctx, created)
	if err != nil {
		return handles, err
	}
	return append(handles, handle), nil
}

// failUnresolvable records a task that can never succeed as failed right away.
func (o *gradingOrchestrator) failUnresolvable(ctx context.Context, task models.GradingTask, answer models.SubmissionAnswer, kind string, cause error) (dto.TaskHandle, error) {
	now := o.now()
	task.ActiveKey = nil
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	task.Error = taskErrorPayload(kind, cause.Error(), 0)
	if task.Method == "" {
		task.Method = "unresolved"
	}

	if err := o.tasks.Create(ctx, &task); err != nil {
		return dto.TaskHandle{}, err
	}
	if err := o.assessments.FlagAnswerForReview(ctx, answer.ID, nil); err != nil {
		o.logger.Error().Err(err).Uint("answer_id", answer.ID).Msg("failed to flag answer for review")
	}

	o.logger.Warn().
		Err(cause).
		Uint("task_id", task.ID).
		Uint("answer_id", answer.ID).
		Uint("question_id", answer.QuestionID).
		Msg("grading task failed before dispatch")

	o.recordTerminal(task)
	o.publish(ctx, task, nil)
	o.aggregate(ctx, task.SubmissionID)
	return dto.NewTaskHandle(task, true), nil
}

func (o *gradingOrchestrator) completedHandle(ctx context.Context, answer models.SubmissionAnswer) dto.TaskHandle {
	if taskID, ok := metadataUint(answer.GradingMetadata, "task_id"); ok {
		if task, err := o.tasks.GetByID(ctx, taskID); err == nil {
			return dto.NewTaskHandle(task, false)
		}
	}
	answerID := answer.ID
	return dto.TaskHandle{
		SubmissionID: answer.SubmissionID,
		AnswerID:     &answerID,
		Method:       answer.GradedBy,
		Status:       models.TaskStatusCompleted,
	}
}

func (o *gradingOrchestrator) applyDefaults(task *models.GradingTask, method string) {
	task.Method = method
	task.AutoGradeThreshold = o.cfg.Defaults.AutoGradeThreshold
	task.TimeoutSeconds = o.cfg.Defaults.TimeoutSeconds
	task.MaxRetries = o.cfg.Defaults.MaxRetries
}

// snapshotConfig freezes the resolved configuration onto the task so later
// configuration edits never change an in-flight task.
func snapshotConfig(task *models.GradingTask, config models.GradingConfiguration) {
	configID := config.ID
	task.Method = config.ProviderName
	task.ConfigurationID = &configID
	task.Settings = config.ProviderSettings
	task.SystemPrompt = config.SystemPrompt
	task.PromptTemplate = config.GradingPromptTemplate
	task.AutoGradeThreshold = config.AutoGradeThreshold
	task.RequireManualReview = config.RequireManualReview
	task.TimeoutSeconds = config.TimeoutSeconds
	task.MaxRetries = config.MaxRetries
}

func answerKey(answerID uint) string {
	return fmt.Sprintf("answer:%d", answerID)
}

// objectiveKey locks every objective answer of a submission at once, whether
// it is graded alone or in the exact-match batch.
func objectiveKey(submissionID uint) string {
	return fmt.Sprintf("submission:%d:%s", submissionID, scoring.MethodExactMatch)
}

func lockKey(answer models.SubmissionAnswer) string {
	if answer.Question.IsObjective() {
		return objectiveKey(answer.SubmissionID)
	}
	return answerKey(answer.ID)
}

func answerIDsFromSettings(settings datatypes.JSONMap) []uint {
	switch raw := settings["answer_ids"].(type) {
	case []uint:
		return raw
	case []interface{}:
		ids := make([]uint, 0, len(raw))
		for _, value := range raw {
			if id, ok := toUint(value); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}

func metadataUint(metadata datatypes.JSONMap, key string) (uint, bool) {
	if metadata == nil {
		return 0, false
	}
	return toUint(metadata[key])
}

func toUint(value interface{}) (uint, bool) {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return uint(v), true
		}
	case uint:
		return v, v > 0
	case int:
		if v > 0 {
			return uint(v), true
		}
	case json.Number:
		// JSONMap columns are decoded with UseNumber.
		if n, err := v.Int64(); err == nil && n > 0 {
			return uint(n), true
		}
	}
	return 0, false
}

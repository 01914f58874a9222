package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/observability"
	"github.com/noah-isme/gema-grading/internal/queue"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

// execute runs a single attempt of a task. Deliveries for an attempt that is
// not the next one in sequence are dropped.
func (o *gradingOrchestrator) execute(ctx context.Context, taskID uint, attempt int) {
	ctx, span := o.tracer.Start(ctx, "grading.attempt", trace.WithAttributes(
		attribute.Int64("task.id", int64(taskID)),
		attribute.Int("task.attempt", attempt),
	))
	defer span.End()

	claimed, err := o.tasks.ClaimAttempt(ctx, taskID, attempt, o.now())
	if err != nil {
		span.RecordError(err)
		o.logger.Error().Err(err).Uint("task_id", taskID).Int("attempt", attempt).Msg("failed to claim grading attempt")
		return
	}
	if !claimed {
		o.logger.Debug().Uint("task_id", taskID).Int("attempt", attempt).Msg("dropping stale grading job")
		return
	}

	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		o.logger.Error().Err(err).Uint("task_id", taskID).Msg("failed to load claimed grading task")
		return
	}
	span.SetAttributes(attribute.String("grading.method", task.Method))
	o.publish(ctx, task, nil)

	if task.AnswerID == nil {
		o.executeBatch(ctx, task)
		return
	}

	answer, err := o.assessments.GetAnswer(ctx, *task.AnswerID)
	if err != nil {
		o.handleFailure(ctx, task, scoring.Unavailable(task.Method, err))
		return
	}

	provider, err := o.registry.Get(task.Method)
	if err != nil {
		o.fail(ctx, task, taskErrorPayload("unknown_provider", err.Error(), task.Attempt))
		return
	}

	input := scoring.Input{
		Question:       answer.Question,
		AnswerText:     answer.AnswerText,
		Settings:       task.Settings,
		SystemPrompt:   task.SystemPrompt,
		PromptTemplate: task.PromptTemplate,
	}
	result, err := scoring.GradeWithTimeout(ctx, provider, input, time.Duration(task.TimeoutSeconds)*time.Second)
	if err != nil {
		if ctx.Err() != nil {
			o.logger.Warn().Uint("task_id", task.ID).Int("attempt", task.Attempt).Msg("grading attempt interrupted, task left for recovery")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.handleFailure(ctx, task, err)
		return
	}

	o.complete(ctx, task, answer, result)
}

func (o *gradingOrchestrator) executeBatch(ctx context.Context, task models.GradingTask) {
	answers, err := o.assessments.ListAnswersByIDs(ctx, answerIDsFromSettings(task.Settings))
	if err != nil {
		o.handleFailure(ctx, task, scoring.Unavailable(task.Method, err))
		return
	}
	provider, err := o.registry.Get(task.Method)
	if err != nil {
		o.fail(ctx, task, taskErrorPayload("unknown_provider", err.Error(), task.Attempt))
		return
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	total := 0.0
	for i := range answers {
		answer := answers[i]
		result, err := scoring.GradeWithTimeout(ctx, provider, scoring.Input{
			Question:   answer.Question,
			AnswerText: answer.AnswerText,
			Settings:   task.Settings,
		}, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.handleFailure(ctx, task, err)
			return
		}

		score := o.applyResult(task, &answer, result)
		if err := o.assessments.SaveAnswerGrade(ctx, &answer); err != nil {
			o.handleFailure(ctx, task, scoring.Unavailable(task.Method, err))
			return
		}
		total += score
	}

	o.finishCompleted(ctx, task, dto.TaskResult{
		Score:         math.Round(total*100) / 100,
		Feedback:      "Objective answers graded against the answer key.",
		Confidence:    100,
		GradedAnswers: len(answers),
	}, nil)
}

// complete persists a successful provider result onto the answer and closes the task.
func (o *gradingOrchestrator) complete(ctx context.Context, task models.GradingTask, answer models.SubmissionAnswer, result scoring.Result) {
	score := o.applyResult(task, &answer, result)
	if err := o.assessments.SaveAnswerGrade(ctx, &answer); err != nil {
		o.handleFailure(ctx, task, scoring.Unavailable(task.Method, err))
		return
	}

	o.finishCompleted(ctx, task, dto.TaskResult{
		Score:      score,
		Feedback:   answer.Feedback,
		Confidence: result.Confidence,
	}, &score)
}

// applyResult copies a provider result onto answer and returns the stored score.
func (o *gradingOrchestrator) applyResult(task models.GradingTask, answer *models.SubmissionAnswer, result scoring.Result) float64 {
	marks := answer.Question.Marks
	score, clamped := scoring.ClampScore(result.Score, marks)
	if clamped {
		observability.GradingScoreClamps().WithLabelValues(task.Method).Inc()
		o.logger.Warn().
			Uint("task_id", task.ID).
			Uint("answer_id", answer.ID).
			Float64("reported_score", result.Score).
			Float64("max_marks", marks).
			Msg("provider score out of range, clamping")
	}

	metadata := datatypes.JSONMap{}
	for key, value := range result.Metadata {
		metadata[key] = value
	}
	metadata["method"] = task.Method
	metadata["confidence"] = result.Confidence
	metadata["task_id"] = task.ID
	metadata["attempt"] = task.Attempt
	metadata["graded_at"] = o.now().Format(time.RFC3339)

	answer.Score = &score
	answer.Feedback = result.Feedback
	answer.GradedBy = task.Method
	answer.IsCorrect = o.cfg.Correctness.Evaluate(task.Method, marks, score, result.Confidence, task.AutoGradeThreshold, result.Metadata)
	answer.RequiresManualReview = task.RequireManualReview || result.Confidence < task.AutoGradeThreshold
	answer.GradingMetadata = metadata
	return score
}

func (o *gradingOrchestrator) finishCompleted(ctx context.Context, task models.GradingTask, result dto.TaskResult, score *float64) {
	payload, err := json.Marshal(result)
	if err != nil {
		o.logger.Error().Err(err).Uint("task_id", task.ID).Msg("failed to encode task result")
	}

	now := o.now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = datatypes.JSON(payload)
	task.Error = nil
	if err := o.tasks.Finish(ctx, &task); err != nil {
		o.logger.Error().Err(err).Uint("task_id", task.ID).Msg("failed to mark grading task completed")
		return
	}

	observability.GradingAttempts().WithLabelValues(task.Method, "success").Inc()
	o.recordTerminal(task)
	o.logger.Info().
		Uint("task_id", task.ID).
		Uint("submission_id", task.SubmissionID).
		Str("method", task.Method).
		Int("attempt", task.Attempt).
		Float64("score", result.Score).
		Float64("confidence", result.Confidence).
		Msg("grading task completed")

	o.publish(ctx, task, score)
	o.aggregate(ctx, task.SubmissionID)
}

// handleFailure schedules the next attempt with backoff, or fails the task
// once its attempts are exhausted.
func (o *gradingOrchestrator) handleFailure(ctx context.Context, task models.GradingTask, cause error) {
	kind, ok := scoring.KindOf(cause)
	if !ok {
		kind = scoring.FailureUnavailable
	}
	observability.GradingAttempts().WithLabelValues(task.Method, string(kind)).Inc()
	payload := taskErrorPayload(string(kind), cause.Error(), task.Attempt)

	if task.Attempt >= task.MaxAttempts() {
		o.fail(ctx, task, payload)
		return
	}

	delay := queue.Backoff(task.Attempt, o.cfg.BackoffBase, o.cfg.BackoffMax)
	if err := o.tasks.ScheduleRetry(ctx, task.ID, task.Attempt, o.now().Add(delay), payload); err != nil {
		o.logger.Error().Err(err).Uint("task_id", task.ID).Msg("failed to record grading retry")
	}

	o.logger.Warn().
		Err(cause).
		Uint("task_id", task.ID).
		Str("method", task.Method).
		Str("kind", string(kind)).
		Int("attempt", task.Attempt).
		Int("max_attempts", task.MaxAttempts()).
		Dur("backoff", delay).
		Msg("grading attempt failed, retrying")

	job := queue.Job{TaskID: task.ID, Attempt: task.Attempt + 1}
	if err := o.dispatcher.EnqueueAfter(ctx, job, delay); err != nil {
		o.logger.Warn().Err(err).Uint("task_id", task.ID).Msg("grading retry left pending for recovery")
	}
}

// fail closes the task as failed and flags its answers for manual review.
func (o *gradingOrchestrator) fail(ctx context.Context, task models.GradingTask, payload datatypes.JSON) {
	now := o.now()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	task.Result = nil
	task.Error = payload
	if err := o.tasks.Finish(ctx, &task); err != nil {
		o.logger.Error().Err(err).Uint("task_id", task.ID).Msg("failed to mark grading task failed")
		return
	}

	answerIDs := answerIDsFromSettings(task.Settings)
	if task.AnswerID != nil {
		answerIDs = []uint{*task.AnswerID}
	}
	for _, answerID := range answerIDs {
		if err := o.assessments.FlagAnswerForReview(ctx, answerID, nil); err != nil {
			o.logger.Error().Err(err).Uint("answer_id", answerID).Msg("failed to flag answer for review")
		}
	}

	o.recordTerminal(task)
	o.logger.Error().
		Str("reason", string(payload)).
		Uint("task_id", task.ID).
		Uint("submission_id", task.SubmissionID).
		Str("method", task.Method).
		Int("attempt", task.Attempt).
		Msg("grading task failed")

	o.publish(ctx, task, nil)
	o.aggregate(ctx, task.SubmissionID)
}

func (o *gradingOrchestrator) recordTerminal(task models.GradingTask) {
	observability.GradingTasks().WithLabelValues(task.Method, task.Status).Inc()
	if d := task.Duration(); d != nil {
		observability.GradingTaskDuration().WithLabelValues(task.Method).Observe(d.Seconds())
	}
}

func (o *gradingOrchestrator) publish(ctx context.Context, task models.GradingTask, score *float64) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, dto.TaskEvent{
		TaskID:       task.ID,
		SubmissionID: task.SubmissionID,
		AnswerID:     task.AnswerID,
		Method:       task.Method,
		Status:       task.Status,
		Attempt:      task.Attempt,
		Score:        score,
		OccurredAt:   o.now(),
	})
}

func (o *gradingOrchestrator) aggregate(ctx context.Context, submissionID uint) {
	if _, err := o.aggregator.Aggregate(ctx, submissionID); err != nil && !errors.Is(err, ErrSubmissionNotFound) {
		o.logger.Error().Err(err).Uint("submission_id", submissionID).Msg("failed to aggregate submission")
	}
}

func taskErrorPayload(kind, message string, attempt int) datatypes.JSON {
	payload, err := json.Marshal(dto.TaskError{Kind: kind, Message: message, Attempt: attempt})
	if err != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

func TestGradeAnswerReturnsExistingActiveTask(t *testing.T) {
	provider := newBlockingProvider(scoring.MethodOpenAI)
	h := newGradingHarness(t, provider)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeQuestion, QuestionID: uintRef(f.essay.ID), ProviderName: scoring.MethodOpenAI, AutoGradeThreshold: 80, MaxRetries: 3})
	ctx := context.Background()

	const callers = 5
	handles := make([]dto.TaskHandle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = h.orchestrator.GradeAnswer(ctx, f.essayReply.ID, false)
		}(i)
	}
	wg.Wait()

	created := 0
	for i, handle := range handles {
		require.NoError(t, errs[i])
		require.Equal(t, handles[0].TaskID, handle.TaskID)
		if handle.Created {
			created++
		}
	}
	require.Equal(t, 1, created)

	again, err := h.orchestrator.GradeAnswer(ctx, f.essayReply.ID, true)
	require.NoError(t, err)
	require.Equal(t, handles[0].TaskID, again.TaskID)
	require.False(t, again.Created)

	close(provider.release)
	task := h.waitForTask(t, handles[0].TaskID, models.TaskStatusCompleted)
	require.Equal(t, 1, task.Attempt)
	require.Nil(t, task.NextAttemptAt)
	require.EqualValues(t, 1, provider.calls.Load())
	require.EqualValues(t, 1, h.countTasks(t))

	answer := h.answer(t, f.essayReply.ID)
	require.NotNil(t, answer.Score)
	require.Equal(t, 6.0, *answer.Score)
	require.Equal(t, scoring.MethodOpenAI, answer.GradedBy)
	require.False(t, answer.RequiresManualReview)
}

func TestGradeAnswerRetriesUntilMaxRetries(t *testing.T) {
	provider := &timeoutProvider{name: scoring.MethodClaude}
	h := newGradingHarness(t, provider)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeExam, ExamID: uintRef(f.exam.ID), ProviderName: scoring.MethodClaude, AutoGradeThreshold: 80, MaxRetries: 3})

	handle, err := h.orchestrator.GradeAnswer(context.Background(), f.essayReply.ID, false)
	require.NoError(t, err)
	require.True(t, handle.Created)

	task := h.waitForTask(t, handle.TaskID, models.TaskStatusFailed)
	require.Equal(t, 3, task.Attempt)
	require.EqualValues(t, 3, provider.calls.Load())
	require.NotNil(t, task.CompletedAt)

	var taskErr dto.TaskError
	require.NoError(t, json.Unmarshal(task.Error, &taskErr))
	require.Equal(t, string(scoring.FailureTimeout), taskErr.Kind)
	require.Equal(t, 3, taskErr.Attempt)

	require.Eventually(t, func() bool {
		return h.answer(t, f.essayReply.ID).RequiresManualReview
	}, testWait, testTick)
	require.Nil(t, h.answer(t, f.essayReply.ID).Score)
}

func TestGradeAnswerWithZeroRetriesRunsOnce(t *testing.T) {
	provider := &timeoutProvider{name: scoring.MethodGemini}
	h := newGradingHarness(t, provider)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeGlobal, ProviderName: scoring.MethodGemini, AutoGradeThreshold: 80, MaxRetries: 0})

	handle, err := h.orchestrator.GradeAnswer(context.Background(), f.essayReply.ID, false)
	require.NoError(t, err)

	task := h.waitForTask(t, handle.TaskID, models.TaskStatusFailed)
	require.Equal(t, 1, task.Attempt)
	require.EqualValues(t, 1, provider.calls.Load())
}

func TestGradeAnswerWithoutConfigurationFailsTask(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)

	handle, err := h.orchestrator.GradeAnswer(context.Background(), f.essayReply.ID, false)
	require.NoError(t, err)
	require.True(t, handle.Created)
	require.Equal(t, models.TaskStatusFailed, handle.Status)

	task, err := h.orchestrator.GetTask(context.Background(), handle.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.Error)
	require.Equal(t, "no_grading_configuration", task.Error.Kind)

	answer := h.answer(t, f.essayReply.ID)
	require.True(t, answer.RequiresManualReview)
	require.Nil(t, answer.Score)
}

func TestGradeAnswerUnknownAnswer(t *testing.T) {
	h := newGradingHarness(t)

	_, err := h.orchestrator.GradeAnswer(context.Background(), 404, false)
	require.ErrorIs(t, err, ErrAnswerNotFound)
}

func TestGradeSubmissionPublishesVerdictWhenFullyGraded(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeQuestion, QuestionID: uintRef(f.essay.ID), ProviderName: scoring.MethodExactMatch, AutoGradeThreshold: 80, MaxRetries: 1})

	events, cleanup := h.events.Subscribe(f.submission.ID)
	defer cleanup()

	handles, err := h.orchestrator.GradeSubmission(context.Background(), f.submission.ID, false)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	for _, handle := range handles {
		require.Equal(t, models.TaskStatusCompleted, handle.Status)
		require.Equal(t, scoring.MethodExactMatch, handle.Method)
	}

	choice := h.answer(t, f.choiceReply.ID)
	require.NotNil(t, choice.Score)
	require.Equal(t, 4.0, *choice.Score)
	require.NotNil(t, choice.IsCorrect)
	require.True(t, *choice.IsCorrect)

	submission := h.waitForSubmission(t, f.submission.ID, models.SubmissionStatusGraded)
	require.NotNil(t, submission.TotalScore)
	require.Equal(t, 10.0, *submission.TotalScore)
	require.Equal(t, 100.0, *submission.Percentage)
	require.True(t, *submission.IsPassed)
	require.NotNil(t, submission.GradedAt)

	var completed []dto.TaskEvent
	for drained := false; !drained; {
		select {
		case event := <-events:
			if event.Status == models.TaskStatusCompleted {
				completed = append(completed, event)
			}
		default:
			drained = true
		}
	}
	require.Len(t, completed, 2)
}

func TestGradeSubmissionSkipsGradedAnswersUnlessForced(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeGlobal, ProviderName: scoring.MethodExactMatch, AutoGradeThreshold: 80, MaxRetries: 1})
	ctx := context.Background()

	_, err := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, h.countTasks(t))

	handles, err := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, h.countTasks(t))
	for _, handle := range handles {
		require.False(t, handle.Created)
		require.Equal(t, models.TaskStatusCompleted, handle.Status)
	}

	handles, err = h.orchestrator.GradeSubmission(ctx, f.submission.ID, true)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.EqualValues(t, 4, h.countTasks(t))
}

func TestLowConfidenceKeepsSubmissionPartiallyGraded(t *testing.T) {
	h := newGradingHarness(t, fixedProvider{name: scoring.MethodTextSimilarity, result: scoring.Result{Score: 5, Feedback: "Close", Confidence: 40}})
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeQuestion, QuestionID: uintRef(f.essay.ID), ProviderName: scoring.MethodTextSimilarity, AutoGradeThreshold: 80, MaxRetries: 1})
	ctx := context.Background()

	_, err := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)

	essay := h.answer(t, f.essayReply.ID)
	require.NotNil(t, essay.Score)
	require.Equal(t, 5.0, *essay.Score)
	require.True(t, essay.RequiresManualReview)
	require.Nil(t, essay.IsCorrect)

	submission := h.waitForSubmission(t, f.submission.ID, models.SubmissionStatusPartiallyGraded)
	require.Nil(t, submission.TotalScore)
	require.Nil(t, submission.Percentage)
	require.Nil(t, submission.IsPassed)

	graded, err := h.orchestrator.RecordManualGrade(ctx, f.essayReply.ID, "instructor-1", dto.ManualGradeRequest{Score: floatRef(5), Feedback: "<b>Good</b> answer"})
	require.NoError(t, err)
	require.False(t, graded.RequiresManualReview)
	require.Equal(t, models.GradedByManual, graded.GradedBy)
	require.Equal(t, "Good answer", graded.Feedback)

	submission = h.waitForSubmission(t, f.submission.ID, models.SubmissionStatusGraded)
	require.Equal(t, 9.0, *submission.TotalScore)
	require.Equal(t, 90.0, *submission.Percentage)
	require.True(t, *submission.IsPassed)
}

func TestOutOfRangeScoreIsClamped(t *testing.T) {
	h := newGradingHarness(t, fixedProvider{name: scoring.MethodKeywordMatch, result: scoring.Result{Score: 14, Confidence: 90}})
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeQuestion, QuestionID: uintRef(f.essay.ID), ProviderName: scoring.MethodKeywordMatch, AutoGradeThreshold: 80, MaxRetries: 1})

	handle, err := h.orchestrator.GradeAnswer(context.Background(), f.essayReply.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, handle.Status)

	answer := h.answer(t, f.essayReply.ID)
	require.Equal(t, 6.0, *answer.Score)
}

func TestRecordManualGradeRejectsOutOfRangeScore(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)

	_, err := h.orchestrator.RecordManualGrade(context.Background(), f.essayReply.ID, "instructor-1", dto.ManualGradeRequest{Score: floatRef(7)})
	require.ErrorIs(t, err, ErrManualScoreOutOfRange)

	_, err = h.orchestrator.RecordManualGrade(context.Background(), f.essayReply.ID, "instructor-1", dto.ManualGradeRequest{})
	require.Error(t, err)
}

func TestRecordManualGradeConflictsWithActiveTask(t *testing.T) {
	provider := newBlockingProvider(scoring.MethodOpenAI)
	h := newGradingHarness(t, provider)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeGlobal, ProviderName: scoring.MethodOpenAI, AutoGradeThreshold: 80, MaxRetries: 1})
	ctx := context.Background()

	handle, err := h.orchestrator.GradeAnswer(ctx, f.essayReply.ID, false)
	require.NoError(t, err)

	_, err = h.orchestrator.RecordManualGrade(ctx, f.essayReply.ID, "instructor-1", dto.ManualGradeRequest{Score: floatRef(3)})
	require.ErrorIs(t, err, ErrConcurrentGradingConflict)

	close(provider.release)
	h.waitForTask(t, handle.TaskID, models.TaskStatusCompleted)
}

func TestBulkGradeIsolatesFailures(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	h.configure(t, models.GradingConfiguration{Scope: models.ScopeGlobal, ProviderName: scoring.MethodExactMatch, AutoGradeThreshold: 80, MaxRetries: 1})

	response, err := h.orchestrator.BulkGrade(context.Background(), dto.BulkGradeRequest{SubmissionIDs: []uint{9999, f.submission.ID}})
	require.NoError(t, err)
	require.Equal(t, 2, response.TaskCount)
	require.Len(t, response.Failures, 1)
	require.Equal(t, uint(9999), response.Failures[0].SubmissionID)

	h.waitForSubmission(t, f.submission.ID, models.SubmissionStatusGraded)

	_, err = h.orchestrator.BulkGrade(context.Background(), dto.BulkGradeRequest{})
	require.Error(t, err)
}

func TestBulkGradeStopsStartingSubmissionsAfterCancel(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	response, err := h.orchestrator.BulkGrade(ctx, dto.BulkGradeRequest{SubmissionIDs: []uint{f.submission.ID}})
	require.NoError(t, err)
	require.Zero(t, response.TaskCount)
	require.Len(t, response.Failures, 1)
	require.EqualValues(t, 0, h.countTasks(t))
}

func TestRetryTaskCreatesFreshTask(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	failed, err := h.orchestrator.GradeAnswer(ctx, f.essayReply.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusFailed, failed.Status)

	h.configure(t, models.GradingConfiguration{Scope: models.ScopeQuestion, QuestionID: uintRef(f.essay.ID), ProviderName: scoring.MethodExactMatch, AutoGradeThreshold: 80, MaxRetries: 1})

	retried, err := h.orchestrator.RetryTask(ctx, failed.TaskID)
	require.NoError(t, err)
	require.NotEqual(t, failed.TaskID, retried.TaskID)
	require.Equal(t, models.TaskStatusCompleted, retried.Status)

	answer := h.answer(t, f.essayReply.ID)
	require.Equal(t, 6.0, *answer.Score)
	require.False(t, answer.RequiresManualReview)

	original, err := h.orchestrator.GetTask(ctx, failed.TaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusFailed, original.Status)

	_, err = h.orchestrator.RetryTask(ctx, retried.TaskID)
	require.ErrorIs(t, err, ErrTaskNotRetryable)

	_, err = h.orchestrator.RetryTask(ctx, 4040)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegradeSubmissionOnlyFlaggedAnswers(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	_, err := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)
	require.True(t, h.answer(t, f.essayReply.ID).RequiresManualReview)
	require.EqualValues(t, 2, h.countTasks(t))

	h.configure(t, models.GradingConfiguration{Scope: models.ScopeExam, ExamID: uintRef(f.exam.ID), ProviderName: scoring.MethodExactMatch, AutoGradeThreshold: 80, MaxRetries: 1})

	handles, err := h.orchestrator.RegradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	require.Equal(t, f.essayReply.ID, *handles[0].AnswerID)
	require.EqualValues(t, 3, h.countTasks(t))

	h.waitForSubmission(t, f.submission.ID, models.SubmissionStatusGraded)

	handles, err = h.orchestrator.RegradeSubmission(ctx, f.submission.ID, true)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.EqualValues(t, 5, h.countTasks(t))
}

func TestRecoverReenqueuesPendingTasks(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	key := objectiveKey(f.submission.ID)
	task := models.GradingTask{
		SubmissionID:       f.submission.ID,
		AnswerID:           uintRef(f.choiceReply.ID),
		Method:             scoring.MethodExactMatch,
		Status:             models.TaskStatusPending,
		MaxRetries:         1,
		TimeoutSeconds:     5,
		AutoGradeThreshold: 80,
		ActiveKey:          &key,
	}
	require.NoError(t, h.tasks.Create(ctx, &task))

	recovered, err := h.orchestrator.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	h.waitForTask(t, task.ID, models.TaskStatusCompleted)
	require.Equal(t, 4.0, *h.answer(t, f.choiceReply.ID).Score)
}

func TestRecoverFailsInterruptedFinalAttempt(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	key := answerKey(f.essayReply.ID)
	task := models.GradingTask{
		SubmissionID:   f.submission.ID,
		AnswerID:       uintRef(f.essayReply.ID),
		Method:         scoring.MethodOpenAI,
		Status:         models.TaskStatusInProgress,
		Attempt:        2,
		MaxRetries:     2,
		TimeoutSeconds: 5,
		ActiveKey:      &key,
	}
	require.NoError(t, h.tasks.Create(ctx, &task))

	recovered, err := h.orchestrator.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)

	stored := h.waitForTask(t, task.ID, models.TaskStatusFailed)
	require.Nil(t, stored.ActiveKey)
	require.True(t, h.answer(t, f.essayReply.ID).RequiresManualReview)
}

func TestGetTaskStatistics(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	_, err := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)

	stats, err := h.orchestrator.GetTaskStatistics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Total)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 1, stats.ByMethod[scoring.MethodExactMatch])
	require.EqualValues(t, 1, stats.ByMethod["unresolved"])
}

func TestGradeSubmissionScoresObjectiveAnswersFromStoredBatch(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	handles, err := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
	require.NoError(t, err)

	var batch dto.TaskHandle
	for _, handle := range handles {
		if handle.AnswerID == nil {
			batch = handle
		}
	}
	require.NotZero(t, batch.TaskID)

	stored, err := h.tasks.GetByID(ctx, batch.TaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, stored.Status)
	require.Equal(t, []uint{f.choiceReply.ID}, answerIDsFromSettings(stored.Settings))

	var result dto.TaskResult
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	require.Equal(t, 1, result.GradedAnswers)
	require.Equal(t, 4.0, result.Score)

	choice := h.answer(t, f.choiceReply.ID)
	require.NotNil(t, choice.Score)
	require.Equal(t, 4.0, *choice.Score)
	require.Equal(t, scoring.MethodExactMatch, choice.GradedBy)
	require.NotNil(t, choice.IsCorrect)
	require.True(t, *choice.IsCorrect)

	again, err := h.orchestrator.GradeAnswer(ctx, f.choiceReply.ID, false)
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, batch.TaskID, again.TaskID)
}

func TestToUintAcceptsDecodedJSONNumbers(t *testing.T) {
	id, ok := toUint(json.Number("12"))
	require.True(t, ok)
	require.EqualValues(t, 12, id)

	_, ok = toUint(json.Number("-3"))
	require.False(t, ok)

	ids := answerIDsFromSettings(datatypes.JSONMap{"answer_ids": []interface{}{json.Number("1"), json.Number("2"), "x"}})
	require.Equal(t, []uint{1, 2}, ids)

	taskID, ok := metadataUint(datatypes.JSONMap{"task_id": json.Number("9")}, "task_id")
	require.True(t, ok)
	require.EqualValues(t, 9, taskID)
}

func TestGradeAnswerAppliesStoredKeywordWeight(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	question := models.Question{ExamID: f.exam.ID, Type: models.QuestionTypeShortAnswer, Text: "Where is ATP made?", Marks: 6, Keywords: datatypes.JSONSlice[string]{"mitochondria"}}
	require.NoError(t, h.db.Create(&question).Error)
	reply := models.SubmissionAnswer{SubmissionID: f.submission.ID, QuestionID: question.ID, AnswerText: "In the mitochondria."}
	require.NoError(t, h.db.Create(&reply).Error)

	h.configure(t, models.GradingConfiguration{
		Scope:              models.ScopeQuestion,
		QuestionID:         uintRef(question.ID),
		ProviderName:       scoring.MethodKeywordMatch,
		ProviderSettings:   datatypes.JSONMap{"keyword_weight": 0.5},
		AutoGradeThreshold: 0,
		MaxRetries:         1,
	})

	handle, err := h.orchestrator.GradeAnswer(ctx, reply.ID, false)
	require.NoError(t, err)
	h.waitForTask(t, handle.TaskID, models.TaskStatusCompleted)

	answer := h.answer(t, reply.ID)
	require.NotNil(t, answer.Score)
	require.InDelta(t, 3.0, *answer.Score, 0.001)
}

func TestGradeAnswerJoinsInFlightObjectiveBatch(t *testing.T) {
	provider := newBlockingProvider(scoring.MethodExactMatch)
	h := newGradingHarness(t, provider)
	f := h.seedSubmission(t)
	ctx := context.Background()

	done := make(chan []dto.TaskHandle, 1)
	go func() {
		handles, _ := h.orchestrator.GradeSubmission(ctx, f.submission.ID, false)
		done <- handles
	}()
	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, testWait, testTick)

	batch, err := h.tasks.FindActiveByKey(ctx, objectiveKey(f.submission.ID))
	require.NoError(t, err)

	for _, force := range []bool{false, true} {
		handle, err := h.orchestrator.GradeAnswer(ctx, f.choiceReply.ID, force)
		require.NoError(t, err)
		require.False(t, handle.Created)
		require.Equal(t, batch.ID, handle.TaskID)
	}

	var objectiveTasks int64
	require.NoError(t, h.db.Model(&models.GradingTask{}).Where("method = ?", scoring.MethodExactMatch).Count(&objectiveTasks).Error)
	require.EqualValues(t, 1, objectiveTasks)

	close(provider.release)
	<-done
	h.waitForTask(t, batch.ID, models.TaskStatusCompleted)
	require.EqualValues(t, 1, provider.calls.Load())
	require.Equal(t, 4.0, *h.answer(t, f.choiceReply.ID).Score)
}

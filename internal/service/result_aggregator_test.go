package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading/internal/models"
)

func TestResultAggregatorFallsBackToQuestionMarks(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()
	require.NoError(t, h.db.Model(&models.Exam{}).Where("id = ?", f.exam.ID).Update("total_marks", 0).Error)

	for _, answer := range []models.SubmissionAnswer{f.choiceReply, f.essayReply} {
		answer.Score = floatRef(3)
		answer.GradedBy = models.GradedByManual
		require.NoError(t, h.assessments.SaveAnswerGrade(ctx, &answer))
	}

	aggregator := NewResultAggregator(h.assessments, h.tasks, testLogger())
	submission, err := aggregator.Aggregate(ctx, f.submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusGraded, submission.Status)
	require.Equal(t, 6.0, *submission.TotalScore)
	require.Equal(t, 60.0, *submission.Percentage)
	require.True(t, *submission.IsPassed)
	gradedAt := *submission.GradedAt

	again, err := aggregator.Aggregate(ctx, f.submission.ID)
	require.NoError(t, err)
	require.True(t, gradedAt.Equal(*again.GradedAt))
}

func TestResultAggregatorWithholdsTotalsWhileAnswersPending(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	aggregator := NewResultAggregator(h.assessments, h.tasks, testLogger())
	submission, err := aggregator.Aggregate(ctx, f.submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, submission.Status)
	require.Nil(t, submission.TotalScore)

	answer := f.choiceReply
	answer.Score = floatRef(4)
	require.NoError(t, h.assessments.SaveAnswerGrade(ctx, &answer))

	submission, err = aggregator.Aggregate(ctx, f.submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusPartiallyGraded, submission.Status)
	require.Nil(t, submission.TotalScore)
	require.Nil(t, submission.Percentage)

	_, err = aggregator.Aggregate(ctx, 999)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestResultAggregatorReleasesSubmissionLocks(t *testing.T) {
	h := newGradingHarness(t)
	f := h.seedSubmission(t)
	ctx := context.Background()

	aggregator := NewResultAggregator(h.assessments, h.tasks, testLogger()).(*resultAggregator)

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = aggregator.Aggregate(ctx, f.submission.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Zero(t, aggregator.trackedLocks())

	_, err := aggregator.Aggregate(ctx, 9999)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
	require.Zero(t, aggregator.trackedLocks())
}

func (a *resultAggregator) trackedLocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}

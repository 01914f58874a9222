package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/repository"
)

// ResultAggregator recomputes a submission's verdict from its answers.
type ResultAggregator interface {
	Aggregate(ctx context.Context, submissionID uint) (models.Submission, error)
}

type resultAggregator struct {
	assessments repository.AssessmentRepository
	tasks       repository.GradingTaskRepository
	logger      zerolog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[uint]*submissionLock
}

type submissionLock struct {
	sync.Mutex
	refs int
}

// NewResultAggregator constructs the aggregator.
func NewResultAggregator(assessments repository.AssessmentRepository, tasks repository.GradingTaskRepository, logger zerolog.Logger) ResultAggregator {
	return &resultAggregator{
		assessments: assessments,
		tasks:       tasks,
		logger:      logger.With().Str("component", "result_aggregator").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[uint]*submissionLock),
	}
}

// Aggregate publishes totals only when every answer is scored, no task for the
// submission is still pending or running and no answer awaits manual review.
// Otherwise the submission is left partially graded with null totals.
func (a *resultAggregator) Aggregate(ctx context.Context, submissionID uint) (models.Submission, error) {
	a.lock(submissionID)
	defer a.unlock(submissionID)

	submission, err := a.assessments.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}

	active, err := a.tasks.CountActiveBySubmission(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}

	total := 0.0
	scored := 0
	flagged := 0
	possible := 0.0
	for _, answer := range submission.Answers {
		possible += answer.Question.Marks
		if answer.RequiresManualReview {
			flagged++
		}
		if answer.Score != nil {
			total += *answer.Score
			scored++
		}
	}

	next := submission
	if active > 0 || flagged > 0 || scored < len(submission.Answers) || len(submission.Answers) == 0 {
		next.TotalScore = nil
		next.Percentage = nil
		next.IsPassed = nil
		next.GradedAt = nil
		next.Status = models.SubmissionStatusSubmitted
		if scored > 0 || flagged > 0 || active > 0 {
			next.Status = models.SubmissionStatusPartiallyGraded
		}
	} else {
		maxMarks := submission.Exam.TotalMarks
		if maxMarks <= 0 {
			maxMarks = possible
		}
		percentage := 0.0
		if maxMarks > 0 {
			percentage = math.Round(total/maxMarks*10000) / 100
		}
		passed := percentage >= submission.Exam.PassingMarksPercentage
		totalScore := math.Round(total*100) / 100

		next.TotalScore = &totalScore
		next.Percentage = &percentage
		next.IsPassed = &passed
		next.Status = models.SubmissionStatusGraded
		if !sameVerdict(submission, next) || submission.GradedAt == nil {
			now := a.now()
			next.GradedAt = &now
		}
	}

	if sameVerdict(submission, next) && timesEqual(submission.GradedAt, next.GradedAt) {
		return submission, nil
	}

	if err := a.assessments.SaveSubmissionVerdict(ctx, &next); err != nil {
		return models.Submission{}, err
	}

	event := a.logger.Info().
		Uint("submission_id", submissionID).
		Str("status", next.Status).
		Int64("active_tasks", active).
		Int("flagged_answers", flagged)
	if next.TotalScore != nil {
		event = event.Float64("total_score", *next.TotalScore).Float64("percentage", *next.Percentage)
	}
	event.Msg("submission verdict updated")

	return next, nil
}

// lock serialises aggregation per submission. Entries are dropped once no
// caller holds or waits on them.
func (a *resultAggregator) lock(submissionID uint) {
	a.mu.Lock()
	entry, ok := a.locks[submissionID]
	if !ok {
		entry = &submissionLock{}
		a.locks[submissionID] = entry
	}
	entry.refs++
	a.mu.Unlock()

	entry.Lock()
}

func (a *resultAggregator) unlock(submissionID uint) {
	a.mu.Lock()
	entry := a.locks[submissionID]
	entry.refs--
	if entry.refs == 0 {
		delete(a.locks, submissionID)
	}
	a.mu.Unlock()

	entry.Unlock()
}

func sameVerdict(a, b models.Submission) bool {
	return a.Status == b.Status &&
		floatPtrEqual(a.TotalScore, b.TotalScore) &&
		floatPtrEqual(a.Percentage, b.Percentage) &&
		boolPtrEqual(a.IsPassed, b.IsPassed)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

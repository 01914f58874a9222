package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-grading/internal/models"
	"github.com/noah-isme/gema-grading/internal/queue"
	"github.com/noah-isme/gema-grading/internal/repository"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

const (
	testWait = 5 * time.Second
	testTick = 10 * time.Millisecond
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type gradingHarness struct {
	db           *gorm.DB
	redis        *redis.Client
	tasks        repository.GradingTaskRepository
	assessments  repository.AssessmentRepository
	configs      repository.GradingConfigurationRepository
	resolver     ConfigResolver
	registry     *scoring.Registry
	events       GradingEvents
	orchestrator GradingOrchestrator
}

func newGradingHarness(t *testing.T, providers ...scoring.Provider) *gradingHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Exam{},
		&models.Question{},
		&models.Submission{},
		&models.SubmissionAnswer{},
		&models.GradingConfiguration{},
		&models.GradingTask{},
	))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	registry := scoring.NewRegistry(nil, testLogger())
	for _, provider := range providers {
		require.NoError(t, registry.Register(provider))
	}

	h := &gradingHarness{
		db:          db,
		redis:       redisClient,
		tasks:       repository.NewGradingTaskRepository(db),
		assessments: repository.NewAssessmentRepository(db),
		configs:     repository.NewGradingConfigurationRepository(db),
		registry:    registry,
	}
	h.resolver = NewConfigResolver(h.configs, redisClient, time.Minute, testLogger())
	h.events = NewGradingEvents(nil, "", nil, testLogger())

	dispatcher := queue.NewMemoryDispatcher(2, 16, testLogger())
	aggregator := NewResultAggregator(h.assessments, h.tasks, testLogger())
	h.orchestrator = NewGradingOrchestrator(
		h.tasks,
		h.assessments,
		h.resolver,
		registry,
		dispatcher,
		aggregator,
		h.events,
		validator.New(validator.WithRequiredStructEnabled()),
		OrchestratorConfig{
			Defaults:    DefaultGradingDefaults(),
			BackoffBase: time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
			Correctness: CorrectnessPolicy{Rule: CorrectnessPositiveScore},
		},
		testLogger(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.orchestrator.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.orchestrator.Stop()
	})
	return h
}

type gradingFixture struct {
	exam        models.Exam
	choice      models.Question
	essay       models.Question
	submission  models.Submission
	choiceReply models.SubmissionAnswer
	essayReply  models.SubmissionAnswer
}

// seedSubmission stores an exam worth 10 marks (pass at 60%) with one
// multiple-choice question (4 marks) and one short answer question (6 marks),
// both answered correctly.
func (h *gradingHarness) seedSubmission(t *testing.T) gradingFixture {
	t.Helper()

	f := gradingFixture{}
	f.exam = models.Exam{Title: "Biology midterm", TotalMarks: 10, PassingMarksPercentage: 60}
	require.NoError(t, h.db.Create(&f.exam).Error)

	f.choice = models.Question{ExamID: f.exam.ID, Type: models.QuestionTypeMultipleChoice, Text: "Pick the organelle", Marks: 4, CorrectAnswer: "B"}
	require.NoError(t, h.db.Create(&f.choice).Error)
	f.essay = models.Question{ExamID: f.exam.ID, Type: models.QuestionTypeShortAnswer, Text: "Capital of France?", Marks: 6, CorrectAnswer: "Paris"}
	require.NoError(t, h.db.Create(&f.essay).Error)

	f.submission = models.Submission{ExamID: f.exam.ID, StudentID: 7, Status: models.SubmissionStatusSubmitted}
	require.NoError(t, h.db.Create(&f.submission).Error)

	f.choiceReply = models.SubmissionAnswer{SubmissionID: f.submission.ID, QuestionID: f.choice.ID, AnswerText: " b "}
	require.NoError(t, h.db.Create(&f.choiceReply).Error)
	f.essayReply = models.SubmissionAnswer{SubmissionID: f.submission.ID, QuestionID: f.essay.ID, AnswerText: "paris"}
	require.NoError(t, h.db.Create(&f.essayReply).Error)
	return f
}

func (h *gradingHarness) configure(t *testing.T, config models.GradingConfiguration) models.GradingConfiguration {
	t.Helper()
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = 30
	}
	config.IsActive = true
	require.NoError(t, h.configs.Create(context.Background(), &config))
	h.resolver.Invalidate(context.Background())
	return config
}

func (h *gradingHarness) waitForTask(t *testing.T, id uint, status string) models.GradingTask {
	t.Helper()
	var task models.GradingTask
	require.Eventually(t, func() bool {
		current, err := h.tasks.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		task = current
		return current.Status == status
	}, testWait, testTick)
	return task
}

func (h *gradingHarness) waitForSubmission(t *testing.T, id uint, status string) models.Submission {
	t.Helper()
	var submission models.Submission
	require.Eventually(t, func() bool {
		current, err := h.assessments.GetSubmission(context.Background(), id)
		if err != nil {
			return false
		}
		submission = current
		return current.Status == status
	}, testWait, testTick)
	return submission
}

func (h *gradingHarness) answer(t *testing.T, id uint) models.SubmissionAnswer {
	t.Helper()
	answer, err := h.assessments.GetAnswer(context.Background(), id)
	require.NoError(t, err)
	return answer
}

func (h *gradingHarness) countTasks(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&models.GradingTask{}).Count(&count).Error)
	return count
}

// blockingProvider holds every call until release is closed.
type blockingProvider struct {
	name    string
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingProvider(name string) *blockingProvider {
	return &blockingProvider{name: name, release: make(chan struct{})}
}

func (p *blockingProvider) Name() string { return p.name }

func (p *blockingProvider) Grade(ctx context.Context, in scoring.Input) (scoring.Result, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
		return scoring.Result{Score: in.Question.Marks, Feedback: "Well argued.", Confidence: 95}, nil
	case <-ctx.Done():
		return scoring.Result{}, ctx.Err()
	}
}

// timeoutProvider fails every call as a provider timeout.
type timeoutProvider struct {
	name  string
	calls atomic.Int32
}

func (p *timeoutProvider) Name() string { return p.name }

func (p *timeoutProvider) Grade(_ context.Context, _ scoring.Input) (scoring.Result, error) {
	p.calls.Add(1)
	return scoring.Result{}, scoring.Timeout(p.name, context.DeadlineExceeded)
}

// fixedProvider returns the same result every time.
type fixedProvider struct {
	name   string
	result scoring.Result
}

func (p fixedProvider) Name() string { return p.name }

func (p fixedProvider) Grade(_ context.Context, _ scoring.Input) (scoring.Result, error) {
	return p.result, nil
}

func uintRef(v uint) *uint { return &v }

func floatRef(v float64) *float64 { return &v }

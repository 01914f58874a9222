package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/config"
	"github.com/noah-isme/gema-grading/internal/database"
	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/middleware"
	"github.com/noah-isme/gema-grading/internal/models"
)

type cliHarness struct {
	dsn    string
	anchor *gorm.DB
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	t.Chdir(t.TempDir())

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	anchor, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(anchor))
	t.Cleanup(func() {
		if sqlDB, err := anchor.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &cliHarness{dsn: dsn, anchor: anchor}
}

func (h *cliHarness) build(ctx context.Context, cfg config.Config, opts app.Options, log zerolog.Logger) (*app.Container, error) {
	db, err := gorm.Open(sqlite.Open(h.dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	c := &app.Container{DB: db}
	if err := c.Wire(ctx, cfg, opts, log); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&runtime{build: h.build})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func (h *cliHarness) seedObjectiveAnswer(t *testing.T) models.SubmissionAnswer {
	t.Helper()
	exam := models.Exam{Title: "Chemistry quiz", TotalMarks: 4, PassingMarksPercentage: 50}
	require.NoError(t, h.anchor.Create(&exam).Error)
	question := models.Question{ExamID: exam.ID, Type: models.QuestionTypeTrueFalse, Marks: 4, CorrectAnswer: "True"}
	require.NoError(t, h.anchor.Create(&question).Error)
	submission := models.Submission{ExamID: exam.ID, StudentID: 11, Status: models.SubmissionStatusSubmitted}
	require.NoError(t, h.anchor.Create(&submission).Error)
	answer := models.SubmissionAnswer{SubmissionID: submission.ID, QuestionID: question.ID, AnswerText: "true"}
	require.NoError(t, h.anchor.Create(&answer).Error)
	return answer
}

func TestProvidersListsEveryMethod(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("GEMA_OPENAI_API_KEY", "sk-test")

	out, err := h.run(t, "providers")
	require.NoError(t, err)
	require.Contains(t, out, "exact_match")
	require.Contains(t, out, "gemini")
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "openai") {
			require.Contains(t, line, "true")
		}
	}
}

func TestTokenMintsVerifiableToken(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("GEMA_JWT_SECRET", "cli-secret")

	out, err := h.run(t, "token", "5", "--role", "teacher")
	require.NoError(t, err)

	token, err := jwt.Parse(strings.TrimSpace(out), func(*jwt.Token) (interface{}, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	require.Equal(t, "5", claims["sub"])
	require.Equal(t, middleware.RoleInstructor, claims["role"])

	_, err = h.run(t, "token", "zero")
	require.Error(t, err)
}

func TestGradeAnswerPrintsCompletedTask(t *testing.T) {
	h := newCLIHarness(t)
	answer := h.seedObjectiveAnswer(t)

	out, err := h.run(t, "grade", "answer", fmt.Sprint(answer.ID))
	require.NoError(t, err)

	var task dto.GradingTaskResponse
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	require.Equal(t, models.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	require.InDelta(t, 4, task.Result.Score, 0.001)

	out, err = h.run(t, "stats")
	require.NoError(t, err)
	var stats dto.TaskStatistics
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.EqualValues(t, 1, stats.Completed)
}

func TestGradeAnswerRejectsInvalidID(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run(t, "grade", "answer", "abc")
	require.Error(t, err)
}

func TestResolveReportsConfigurationForQuestion(t *testing.T) {
	h := newCLIHarness(t)

	exam := models.Exam{Title: "History essay", TotalMarks: 10, PassingMarksPercentage: 50}
	require.NoError(t, h.anchor.Create(&exam).Error)
	essay := models.Question{ExamID: exam.ID, Type: models.QuestionTypeEssay, Marks: 10, CorrectAnswer: "1945"}
	require.NoError(t, h.anchor.Create(&essay).Error)

	_, err := h.run(t, "resolve", fmt.Sprint(essay.ID))
	require.Error(t, err)

	examID := exam.ID
	require.NoError(t, h.anchor.Create(&models.GradingConfiguration{
		Scope:          models.ScopeExam,
		ExamID:         &examID,
		ProviderName:   "text_similarity",
		TimeoutSeconds: 30,
		IsActive:       true,
	}).Error)

	out, err := h.run(t, "resolve", fmt.Sprint(essay.ID))
	require.NoError(t, err)
	var res resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "text_similarity", res.Method)
	require.NotNil(t, res.Configuration)
	require.False(t, res.Objective)

	_, err = h.run(t, "resolve", "9999")
	require.Error(t, err)
}

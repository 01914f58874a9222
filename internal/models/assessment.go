package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Question types understood by the grading engine.
const (
	QuestionTypeMultipleChoice = "multiple_choice"
	QuestionTypeTrueFalse      = "true_false"
	QuestionTypeShortAnswer    = "short_answer"
	QuestionTypeEssay          = "essay"
)

// Submission statuses written by the grading engine.
const (
	SubmissionStatusSubmitted       = "submitted"
	SubmissionStatusPartiallyGraded = "partially_graded"
	SubmissionStatusGraded          = "graded"
)

// GradedByManual marks an answer scored by a human reviewer.
const GradedByManual = "manual"

// Exam is the read-only view of an exam owned by the assessment collaborator.
type Exam struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	Title                  string    `gorm:"size:200" json:"title"`
	TotalMarks             float64   `gorm:"not null" json:"total_marks"`
	PassingMarksPercentage float64   `gorm:"not null" json:"passing_marks_percentage"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Question is the read-only view of an exam question.
type Question struct {
	ID                uint                        `gorm:"primaryKey" json:"id"`
	ExamID            uint                        `gorm:"not null;index" json:"exam_id"`
	Type              string                      `gorm:"size:32;not null" json:"type"`
	Text              string                      `gorm:"type:text" json:"question_text"`
	Marks             float64                     `gorm:"not null" json:"marks"`
	CorrectAnswer     string                      `gorm:"type:text" json:"correct_answer"`
	AcceptableAnswers datatypes.JSONSlice[string] `json:"acceptable_answers"`
	Keywords          datatypes.JSONSlice[string] `json:"keywords"`
	KeywordWeight     *float64                    `json:"keyword_weight"`
	GradingRubric     string                      `gorm:"type:text" json:"grading_rubric"`
	Options           datatypes.JSONSlice[string] `json:"options"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// IsObjective reports whether the question has a single canonical answer key.
func (q Question) IsObjective() bool {
	switch strings.ToLower(strings.TrimSpace(q.Type)) {
	case QuestionTypeMultipleChoice, QuestionTypeTrueFalse:
		return true
	default:
		return false
	}
}

// ReferenceAnswers returns the correct answer followed by any acceptable alternatives.
func (q Question) ReferenceAnswers() []string {
	refs := make([]string, 0, len(q.AcceptableAnswers)+1)
	if strings.TrimSpace(q.CorrectAnswer) != "" {
		refs = append(refs, q.CorrectAnswer)
	}
	for _, alt := range q.AcceptableAnswers {
		if strings.TrimSpace(alt) != "" {
			refs = append(refs, alt)
		}
	}
	return refs
}

// Submission groups a student's answers for one exam attempt.
type Submission struct {
	ID         uint               `gorm:"primaryKey" json:"id"`
	ExamID     uint               `gorm:"not null;index" json:"exam_id"`
	StudentID  uint               `gorm:"index" json:"student_id"`
	Status     string             `gorm:"size:32;not null;default:submitted" json:"status"`
	TotalScore *float64           `json:"total_score"`
	Percentage *float64           `json:"percentage"`
	IsPassed   *bool              `json:"is_passed"`
	GradedAt   *time.Time         `json:"graded_at"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Exam       Exam               `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"exam"`
	Answers    []SubmissionAnswer `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answers,omitempty"`
}

// SubmissionAnswer is a single answer within a submission. The grading engine owns
// the score, feedback and review fields.
type SubmissionAnswer struct {
	ID                   uint              `gorm:"primaryKey" json:"id"`
	SubmissionID         uint              `gorm:"not null;index" json:"submission_id"`
	QuestionID           uint              `gorm:"not null;index" json:"question_id"`
	AnswerText           string            `gorm:"type:text" json:"answer_text"`
	Score                *float64          `json:"score"`
	Feedback             string            `gorm:"type:text" json:"feedback"`
	GradedBy             string            `gorm:"size:32" json:"graded_by"`
	IsCorrect            *bool             `json:"is_correct"`
	RequiresManualReview bool              `gorm:"not null" json:"requires_manual_review"`
	GradingMetadata      datatypes.JSONMap `json:"grading_metadata"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Question             Question          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"question"`
}

// IsGraded reports whether a score has been recorded for the answer.
func (a SubmissionAnswer) IsGraded() bool {
	return a.Score != nil
}

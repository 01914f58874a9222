package service

import "errors"

// Grading domain errors.
var (
	ErrNoGradingConfiguration    = errors.New("no grading configuration applies to question")
	ErrTaskNotFound              = errors.New("grading task not found")
	ErrAnswerNotFound            = errors.New("submission answer not found")
	ErrSubmissionNotFound        = errors.New("submission not found")
	ErrQuestionNotFound          = errors.New("question not found")
	ErrConfigurationNotFound     = errors.New("grading configuration not found")
	ErrConfigurationScope        = errors.New("configuration references do not match its scope")
	ErrConcurrentGradingConflict = errors.New("answer already has an active grading task")
	ErrTaskNotRetryable          = errors.New("only failed grading tasks can be retried")
	ErrManualScoreOutOfRange     = errors.New("manual score must be between 0 and the question marks")
)

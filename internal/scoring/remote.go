package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/pkg/ai"
)

const (
	defaultTemperature = 0.3
	defaultConfidence  = 80.0
)

const defaultSystemPrompt = "You are an expert grading assistant for educational assessments. " +
	"Provide fair, objective, and constructive feedback. Always answer with a single JSON object."

const defaultPromptTemplate = `Grade the following student answer for this question.

Question Type: {question_type}
Question: {question}
Maximum Marks: {max_marks}

Student's Answer:
{answer}

Reference Answer (for guidance, not exact match required):
{reference_answer}

Grading Rubric:
{rubric}

Key Concepts to Look For:
{keywords}

Respond with JSON in the following format:
{"score": <number between 0 and the maximum marks>, "feedback": "<constructive feedback>", "confidence": <0-100>}`

var defaultMaxTokens = map[string]int{
	MethodOpenAI: 500,
	MethodClaude: 1024,
	MethodGemini: 1024,
}

// RemoteModel grades answers by prompting an external language model.
type RemoteModel struct {
	method    string
	completer ai.Completer
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewRemoteModel builds a remote provider for method. A nil completer means the
// vendor credential is missing; grading then fails as ProviderUnavailable.
func NewRemoteModel(method string, completer ai.Completer, logger zerolog.Logger) *RemoteModel {
	return &RemoteModel{
		method:    method,
		completer: completer,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "remote_model_provider").Str("method", method).Logger(),
	}
}

// Name returns the method name.
func (p *RemoteModel) Name() string { return p.method }

// Configured reports whether a vendor client is available.
func (p *RemoteModel) Configured() bool { return p.completer != nil }

// Grade prompts the model and parses its JSON verdict.
func (p *RemoteModel) Grade(ctx context.Context, in Input) (Result, error) {
	if p.completer == nil {
		return Result{}, Unavailable(p.method, errors.New("vendor credential not configured"))
	}

	system := settingString(in.Settings, "system_prompt", in.SystemPrompt)
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}
	template := settingString(in.Settings, "grading_prompt_template", in.PromptTemplate)
	if strings.TrimSpace(template) == "" {
		template = defaultPromptTemplate
	}

	temperature := settingFloat(in.Settings, "temperature", defaultTemperature)
	request := ai.CompletionRequest{
		Model:       settingString(in.Settings, "model", ""),
		System:      system,
		Prompt:      renderPrompt(template, in),
		MaxTokens:   settingInt(in.Settings, "max_tokens", defaultMaxTokens[p.method]),
		Temperature: &temperature,
		JSONMode:    true,
	}

	completion, err := p.completer.Complete(ctx, request)
	if err != nil {
		switch {
		case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			return Result{}, Timeout(p.method, err)
		case errors.Is(err, ai.ErrEmptyCompletion):
			return Result{}, Malformed(p.method, err)
		default:
			return Result{}, Unavailable(p.method, err)
		}
	}

	verdict, err := parseModelResponse(completion.Content)
	if err != nil {
		return Result{}, Malformed(p.method, err)
	}

	score, clamped := ClampScore(verdict.Score, in.Question.Marks)
	metadata := map[string]interface{}{
		"method":        p.method,
		"model":         completion.Model,
		"input_tokens":  completion.Usage.InputTokens,
		"output_tokens": completion.Usage.OutputTokens,
		"tokens_used":   completion.Usage.TotalTokens,
	}
	if clamped {
		p.logger.Warn().
			Float64("reported_score", verdict.Score).
			Float64("max_marks", in.Question.Marks).
			Msg("remote model returned an out-of-range score, clamping")
		metadata["reported_score"] = verdict.Score
		metadata["score_clamped"] = true
	}

	confidence := defaultConfidence
	if verdict.Confidence != nil {
		confidence = *verdict.Confidence
	}

	return Result{
		Score:      round2(score),
		Feedback:   strings.TrimSpace(p.sanitizer.Sanitize(verdict.Feedback)),
		Confidence: clampPercent(confidence),
		Metadata:   metadata,
	}, nil
}

func renderPrompt(template string, in Input) string {
	q := in.Question
	reference := strings.Join(q.ReferenceAnswers(), "\n")
	if reference == "" {
		reference = "(none provided)"
	}
	rubric := q.GradingRubric
	if strings.TrimSpace(rubric) == "" {
		rubric = "(none provided)"
	}
	keywords := strings.Join(q.Keywords, ", ")
	if keywords == "" {
		keywords = "(none provided)"
	}

	replacer := strings.NewReplacer(
		"{question}", q.Text,
		"{question_type}", q.Type,
		"{max_marks}", fmt.Sprintf("%g", q.Marks),
		"{reference_answer}", reference,
		"{rubric}", rubric,
		"{keywords}", keywords,
		"{answer}", in.AnswerText,
	)
	return replacer.Replace(template)
}

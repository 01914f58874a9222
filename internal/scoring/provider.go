package scoring

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/noah-isme/gema-grading/internal/models"
)

// Method names accepted at the configuration boundary.
const (
	MethodExactMatch     = "exact_match"
	MethodKeywordMatch   = "keyword_match"
	MethodTextSimilarity = "text_similarity"
	MethodOpenAI         = "openai"
	MethodClaude         = "claude"
	MethodGemini         = "gemini"
)

// Methods lists every valid provider name.
var Methods = []string{
	MethodExactMatch,
	MethodKeywordMatch,
	MethodTextSimilarity,
	MethodOpenAI,
	MethodClaude,
	MethodGemini,
}

// IsKnownMethod reports whether name is one of Methods.
func IsKnownMethod(name string) bool {
	for _, method := range Methods {
		if method == name {
			return true
		}
	}
	return false
}

// Input is everything a provider needs to score one answer.
type Input struct {
	Question       models.Question
	AnswerText     string
	Settings       map[string]interface{}
	SystemPrompt   string
	PromptTemplate string
}

// Result is the outcome of scoring one answer. Confidence is a percentage.
type Result struct {
	Score      float64                `json:"score"`
	Feedback   string                 `json:"feedback"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Provider converts a candidate answer into a score, feedback and confidence.
type Provider interface {
	Name() string
	Grade(ctx context.Context, in Input) (Result, error)
}

// Descriptor describes a provider for listing purposes.
type Descriptor struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"display_name"`
	Description                string   `json:"description"`
	RequiresExternalCredential bool     `json:"requires_external_credential"`
	SupportedModels            []string `json:"supported_models"`
	DefaultModel               string   `json:"default_model,omitempty"`
	Configured                 bool     `json:"configured"`
	Local                      bool     `json:"local"`
}

// GradeWithTimeout runs the provider under a hard deadline. When the deadline
// passes first the in-flight call is abandoned and its eventual result discarded.
func GradeWithTimeout(ctx context.Context, provider Provider, in Input, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return provider.Grade(ctx, in)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := provider.Grade(callCtx, in)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && callCtx.Err() != nil {
			if _, typed := KindOf(out.err); !typed {
				return Result{}, Timeout(provider.Name(), callCtx.Err())
			}
		}
		return out.result, out.err
	case <-callCtx.Done():
		return Result{}, Timeout(provider.Name(), callCtx.Err())
	}
}

// ClampScore bounds score to [0, marks] and reports whether it was out of range.
func ClampScore(score, marks float64) (float64, bool) {
	if math.IsNaN(score) {
		return 0, true
	}
	if marks < 0 {
		marks = 0
	}
	switch {
	case score < 0:
		return 0, true
	case score > marks:
		return marks, true
	default:
		return score, false
	}
}

func clampPercent(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func settingFloat(settings map[string]interface{}, key string, fallback float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return fallback
	default:
		return fallback
	}
}

func settingInt(settings map[string]interface{}, key string, fallback int) int {
	switch v := settings[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
		return fallback
	default:
		return fallback
	}
}

func settingString(settings map[string]interface{}, key, fallback string) string {
	if v, ok := settings[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

package service

import (
	"fmt"

	"github.com/noah-isme/gema-grading/internal/scoring"
)

// CorrectnessRule decides how is_correct is derived from a trusted score.
type CorrectnessRule string

// Supported correctness rules.
const (
	CorrectnessPositiveScore CorrectnessRule = "positive_score"
	CorrectnessFullMarks     CorrectnessRule = "full_marks"
	CorrectnessRatio         CorrectnessRule = "ratio"
)

// ParseCorrectnessRule validates a configured rule name. Empty means positive_score.
func ParseCorrectnessRule(value string) (CorrectnessRule, error) {
	switch CorrectnessRule(value) {
	case "", CorrectnessPositiveScore:
		return CorrectnessPositiveScore, nil
	case CorrectnessFullMarks, CorrectnessRatio:
		return CorrectnessRule(value), nil
	default:
		return "", fmt.Errorf("unknown correctness rule %q", value)
	}
}

// CorrectnessPolicy derives is_correct for graded answers.
type CorrectnessPolicy struct {
	Rule  CorrectnessRule
	Ratio float64
}

// Evaluate returns nil when the result is not trusted enough to call.
// Exact-match results are always decided by score == marks.
func (p CorrectnessPolicy) Evaluate(method string, marks, score, confidence, threshold float64, metadata map[string]interface{}) *bool {
	if method == scoring.MethodExactMatch {
		if correct, ok := metadata["correct"].(bool); ok {
			return &correct
		}
		correct := marks > 0 && score >= marks
		return &correct
	}

	if confidence < threshold {
		return nil
	}

	var correct bool
	switch p.Rule {
	case CorrectnessFullMarks:
		correct = marks > 0 && score >= marks
	case CorrectnessRatio:
		ratio := p.Ratio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		correct = marks > 0 && score/marks >= ratio
	default:
		correct = score > 0
	}
	return &correct
}

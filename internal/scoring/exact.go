package scoring

import (
	"context"
)

// ExactMatch awards full marks when the normalised answer equals a reference answer.
type ExactMatch struct{}

// Name returns the method name.
func (ExactMatch) Name() string { return MethodExactMatch }

// Grade compares the answer against the correct answer and any acceptable alternatives.
func (ExactMatch) Grade(_ context.Context, in Input) (Result, error) {
	answer := normalize(in.AnswerText)
	matched := false
	if answer != "" {
		for _, ref := range in.Question.ReferenceAnswers() {
			if normalize(ref) == answer {
				matched = true
				break
			}
		}
	}

	result := Result{
		Confidence: 100,
		Metadata: map[string]interface{}{
			"method":  MethodExactMatch,
			"correct": matched,
		},
	}
	if matched {
		result.Score = in.Question.Marks
		result.Feedback = "Correct answer."
	} else {
		result.Feedback = "Incorrect answer."
	}
	return result, nil
}

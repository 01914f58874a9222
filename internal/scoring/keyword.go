package scoring

import (
	"context"
	"fmt"
	"strings"
)

// KeywordMatch scores an answer by the fraction of expected keywords it contains,
// dampened by a keyword weight in [0,1].
type KeywordMatch struct{}

// Name returns the method name.
func (KeywordMatch) Name() string { return MethodKeywordMatch }

// Grade computes marks × matched/total × weight.
func (KeywordMatch) Grade(_ context.Context, in Input) (Result, error) {
	keywords := uniqueKeywords(in.Question.Keywords)
	if len(keywords) == 0 {
		return Result{
			Feedback: "No keywords are configured for this question; manual review required.",
			Metadata: map[string]interface{}{"method": MethodKeywordMatch},
		}, nil
	}

	weight := 1.0
	if in.Question.KeywordWeight != nil {
		weight = *in.Question.KeywordWeight
	}
	weight = settingFloat(in.Settings, "keyword_weight", weight)
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	answer := normalize(in.AnswerText)
	matched := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		if strings.Contains(answer, keyword) {
			matched = append(matched, keyword)
		}
	}

	fraction := float64(len(matched)) / float64(len(keywords))
	if fraction > 1 {
		fraction = 1
	}

	return Result{
		Score:      round2(in.Question.Marks * fraction * weight),
		Feedback:   keywordFeedback(fraction, matched),
		Confidence: clampPercent(fraction * 100),
		Metadata: map[string]interface{}{
			"method":           MethodKeywordMatch,
			"matched_keywords": matched,
			"keyword_coverage": fraction,
			"keyword_weight":   weight,
		},
	}, nil
}

func uniqueKeywords(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	keywords := make([]string, 0, len(raw))
	for _, keyword := range raw {
		normalized := normalize(keyword)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		keywords = append(keywords, normalized)
	}
	return keywords
}

func keywordFeedback(fraction float64, matched []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Keyword coverage: %.1f%%. ", fraction*100)
	if len(matched) > 0 {
		shown := matched
		if len(shown) > 5 {
			shown = shown[:5]
		}
		fmt.Fprintf(&b, "Matched keywords: %s. ", strings.Join(shown, ", "))
	} else {
		b.WriteString("No keywords matched. ")
	}

	switch {
	case fraction >= 0.8:
		b.WriteString("Excellent coverage of key concepts.")
	case fraction >= 0.5:
		b.WriteString("Good understanding, but some key points are missing.")
	default:
		b.WriteString("Answer lacks several important concepts.")
	}
	return b.String()
}

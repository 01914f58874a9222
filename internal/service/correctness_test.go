package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading/internal/scoring"
)

func TestCorrectnessPolicy(t *testing.T) {
	cases := []struct {
		name       string
		policy     CorrectnessPolicy
		method     string
		score      float64
		confidence float64
		metadata   map[string]interface{}
		want       *bool
	}{
		{name: "exact match uses provider verdict", policy: CorrectnessPolicy{}, method: scoring.MethodExactMatch, score: 0, confidence: 100, metadata: map[string]interface{}{"correct": true}, want: boolRef(true)},
		{name: "exact match falls back to full marks", policy: CorrectnessPolicy{}, method: scoring.MethodExactMatch, score: 10, confidence: 0, want: boolRef(true)},
		{name: "low confidence is undecided", policy: CorrectnessPolicy{}, method: scoring.MethodOpenAI, score: 8, confidence: 50, want: nil},
		{name: "positive score", policy: CorrectnessPolicy{Rule: CorrectnessPositiveScore}, method: scoring.MethodOpenAI, score: 1, confidence: 90, want: boolRef(true)},
		{name: "zero score", policy: CorrectnessPolicy{Rule: CorrectnessPositiveScore}, method: scoring.MethodOpenAI, score: 0, confidence: 90, want: boolRef(false)},
		{name: "full marks rule", policy: CorrectnessPolicy{Rule: CorrectnessFullMarks}, method: scoring.MethodClaude, score: 9, confidence: 90, want: boolRef(false)},
		{name: "ratio rule", policy: CorrectnessPolicy{Rule: CorrectnessRatio, Ratio: 0.7}, method: scoring.MethodGemini, score: 7, confidence: 90, want: boolRef(true)},
		{name: "invalid ratio defaults to half", policy: CorrectnessPolicy{Rule: CorrectnessRatio, Ratio: 3}, method: scoring.MethodGemini, score: 4, confidence: 90, want: boolRef(false)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.policy.Evaluate(tc.method, 10, tc.score, tc.confidence, 80, tc.metadata)
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, *tc.want, *got)
		})
	}
}

func TestParseCorrectnessRule(t *testing.T) {
	rule, err := ParseCorrectnessRule("")
	require.NoError(t, err)
	require.Equal(t, CorrectnessPositiveScore, rule)

	rule, err = ParseCorrectnessRule("ratio")
	require.NoError(t, err)
	require.Equal(t, CorrectnessRatio, rule)

	_, err = ParseCorrectnessRule("majority")
	require.Error(t, err)
}

func boolRef(v bool) *bool { return &v }

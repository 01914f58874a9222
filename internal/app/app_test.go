package app

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading/internal/config"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

func TestCompletersOnlyForConfiguredVendors(t *testing.T) {
	cfg := config.Config{OpenAIAPIKey: "sk-test", AnthropicAPIKey: "anthropic-test"}

	completers := Completers(context.Background(), cfg, zerolog.Nop())
	require.Len(t, completers, 2)
	require.Contains(t, completers, scoring.MethodOpenAI)
	require.Contains(t, completers, scoring.MethodClaude)
	require.NotContains(t, completers, scoring.MethodGemini)

	registry := scoring.NewRegistry(completers, zerolog.Nop())
	configured := map[string]bool{}
	for _, desc := range registry.Descriptors() {
		configured[desc.Name] = desc.Configured
	}
	require.True(t, configured[scoring.MethodOpenAI])
	require.True(t, configured[scoring.MethodClaude])
	require.False(t, configured[scoring.MethodGemini])
	require.True(t, configured[scoring.MethodExactMatch])
}

func TestBuildRequiresDatabase(t *testing.T) {
	_, err := Build(context.Background(), config.Config{}, Options{}, zerolog.Nop())
	require.Error(t, err)
}

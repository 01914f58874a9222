package scoring

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/pkg/ai"
)

// Registry resolves provider names to providers. It is built once from explicit
// vendor clients; there is no process-wide default.
type Registry struct {
	providers   map[string]Provider
	descriptors []Descriptor
}

// NewRegistry wires the local providers and one remote provider per vendor.
// Completers are keyed by method name (openai, claude, gemini); missing entries
// leave that vendor listed but unconfigured.
func NewRegistry(completers map[string]ai.Completer, logger zerolog.Logger) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(Methods))}

	r.add(ExactMatch{}, Descriptor{
		DisplayName:     "Exact Match",
		Description:     "Case and whitespace insensitive comparison with the answer key",
		SupportedModels: []string{"default"},
		Configured:      true,
		Local:           true,
	})
	r.add(KeywordMatch{}, Descriptor{
		DisplayName:     "Keyword Match",
		Description:     "Fraction of expected keywords present, dampened by the keyword weight",
		SupportedModels: []string{"default"},
		Configured:      true,
		Local:           true,
	})
	r.add(TextSimilarity{}, Descriptor{
		DisplayName:     "Text Similarity",
		Description:     "TF-IDF cosine similarity against the reference answers",
		SupportedModels: []string{"default"},
		Configured:      true,
		Local:           true,
	})

	remotes := []struct {
		method string
		desc   Descriptor
	}{
		{MethodOpenAI, Descriptor{
			DisplayName:     "OpenAI GPT",
			Description:     "Rubric-guided grading using OpenAI GPT models",
			SupportedModels: []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo"},
			DefaultModel:    ai.DefaultOpenAIModel,
		}},
		{MethodClaude, Descriptor{
			DisplayName:     "Anthropic Claude",
			Description:     "Rubric-guided grading using Anthropic Claude models",
			SupportedModels: []string{"claude-sonnet-4-20250514", "claude-haiku-4-5-20251001", "claude-sonnet", "claude-haiku"},
			DefaultModel:    ai.DefaultAnthropicModel,
		}},
		{MethodGemini, Descriptor{
			DisplayName:     "Google Gemini",
			Description:     "Rubric-guided grading using Google Gemini models",
			SupportedModels: []string{"gemini-2.0-flash", "gemini-2.0-pro", "gemini-1.5-pro", "gemini-1.5-flash"},
			DefaultModel:    ai.DefaultGeminiModel,
		}},
	}
	for _, remote := range remotes {
		provider := NewRemoteModel(remote.method, completers[remote.method], logger)
		remote.desc.RequiresExternalCredential = true
		remote.desc.Configured = provider.Configured()
		r.add(provider, remote.desc)
	}

	return r
}

func (r *Registry) add(provider Provider, desc Descriptor) {
	desc.Name = provider.Name()
	r.providers[desc.Name] = provider
	r.descriptors = append(r.descriptors, desc)
}

// Register replaces the provider bound to name. Used to plug in alternative
// implementations of a known method.
func (r *Registry) Register(provider Provider) error {
	if !IsKnownMethod(provider.Name()) {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider.Name())
	}
	r.providers[provider.Name()] = provider
	return nil
}

// Get returns the provider registered for name.
func (r *Registry) Get(name string) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, nil
}

// IsLocal reports whether the named provider runs in-process and deterministically.
func (r *Registry) IsLocal(name string) bool {
	for _, desc := range r.descriptors {
		if desc.Name == name {
			return desc.Local
		}
	}
	return false
}

// Descriptors lists every provider in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

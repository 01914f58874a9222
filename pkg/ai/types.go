package ai

import (
	"context"
	"errors"
	"fmt"
)

// Vendor identifiers for the supported remote model backends.
const (
	VendorOpenAI    = "openai"
	VendorAnthropic = "claude"
	VendorGemini    = "gemini"
)

// ErrEmptyCompletion indicates the vendor answered without any usable content.
var ErrEmptyCompletion = errors.New("empty completion")

// CompletionRequest is a single-turn prompt sent to a remote model. A nil
// Temperature leaves the vendor default in place.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	JSONMode    bool
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completion is the raw text returned by a remote model.
type Completion struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Completer is a remote language model able to answer a prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	Vendor() string
}

// StatusError wraps a vendor API failure together with its HTTP status, when known.
type StatusError struct {
	Vendor     string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s api error (status %d): %v", e.Vendor, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s api error: %v", e.Vendor, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func resolveModel(name, fallback string, aliases map[string]string) string {
	if name == "" {
		name = fallback
	}
	if id, ok := aliases[name]; ok {
		return id
	}
	return name
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when neither the request nor the client config names a model.
const DefaultGeminiModel = "gemini-2.0-flash"

var geminiModels = map[string]string{
	"gemini-flash": "gemini-2.0-flash",
	"gemini-pro":   "gemini-2.0-pro",
}

// GeminiConfig holds the Gemini client configuration.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Logger  zerolog.Logger
}

// GeminiClient implements Completer using the Google Gen AI SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    GeminiConfig
	tracer trace.Tracer
}

// NewGeminiClient constructs a client for Gemini models.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grading/pkg/ai/gemini"),
	}, nil
}

// Vendor returns the vendor identifier.
func (c *GeminiClient) Vendor() string { return VendorGemini }

// Complete generates content for the prompt and returns the concatenated text.
func (c *GeminiClient) Complete(parent context.Context, req CompletionRequest) (Completion, error) {
	model := resolveModel(req.Model, c.cfg.Model, geminiModels)
	ctx, span := c.tracer.Start(parent, "gemini.complete", trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	observeCompletion(VendorGemini, model, start)
	if err != nil {
		err = mapGeminiError(err)
		recordFailure(span, VendorGemini, model, err)
		return Completion{}, err
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		err := fmt.Errorf("gemini: %w", ErrEmptyCompletion)
		recordFailure(span, VendorGemini, model, err)
		return Completion{}, err
	}

	completion := Completion{Content: text, Model: model}
	if result.UsageMetadata != nil {
		completion.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(result.UsageMetadata.TotalTokenCount),
		}
	}
	return completion, nil
}

func mapGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Vendor: VendorGemini, StatusCode: apiErr.Code, Err: err}
	}
	return &StatusError{Vendor: VendorGemini, Err: err}
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAnthropicModel is used when neither the request nor the client config names a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const defaultAnthropicMaxTokens = 1024

var anthropicModels = map[string]string{
	"claude-sonnet": "claude-sonnet-4-20250514",
	"claude-haiku":  "claude-haiku-4-5-20251001",
}

// AnthropicConfig holds the Anthropic client configuration.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  zerolog.Logger
}

// AnthropicClient implements Completer using the Anthropic messages API.
type AnthropicClient struct {
	client *anthropic.Client
	cfg    AnthropicConfig
	tracer trace.Tracer
}

// NewAnthropicClient constructs a client for Claude models.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicClient{
		client: &client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grading/pkg/ai/anthropic"),
	}, nil
}

// Vendor returns the vendor identifier.
func (c *AnthropicClient) Vendor() string { return VendorAnthropic }

// Complete sends the prompt as a single user message and returns the first text block.
func (c *AnthropicClient) Complete(parent context.Context, req CompletionRequest) (Completion, error) {
	model := resolveModel(req.Model, c.cfg.Model, anthropicModels)
	ctx, span := c.tracer.Start(parent, "anthropic.complete", trace.WithAttributes(
		attribute.String("model", model),
	))
	defer span.End()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	observeCompletion(VendorAnthropic, model, start)
	if err != nil {
		err = mapAnthropicError(err)
		recordFailure(span, VendorAnthropic, model, err)
		return Completion{}, err
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return Completion{
				Content: strings.TrimSpace(block.Text),
				Model:   string(msg.Model),
				Usage: Usage{
					InputTokens:  int(msg.Usage.InputTokens),
					OutputTokens: int(msg.Usage.OutputTokens),
					TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
				},
			}, nil
		}
	}

	err = fmt.Errorf("anthropic: %w", ErrEmptyCompletion)
	recordFailure(span, VendorAnthropic, model, err)
	return Completion{}, err
}

func mapAnthropicError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{Vendor: VendorAnthropic, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &StatusError{Vendor: VendorAnthropic, Err: err}
}

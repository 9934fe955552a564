// Package ai wraps the Anthropic API with the resilience layer every model
// call in this program goes through: retry with backoff, a circuit breaker,
// a concurrency cap, and client-side rate limiting. Callers hand it a prompt
// and get text back; parsing and prompt construction stay with the callers.
package ai

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Model selection is tiered: the default model does the reasoning-heavy work
// (planning, tool selection), the simple model handles cheap classification
// passes like finding extraction.
//
// Environment variable overrides:
// - PENTAGENT_MODEL: override the default model
// - PENTAGENT_MODEL_SIMPLE: override the model for simple tasks
const (
	// ModelSonnet is the high-end model for complex reasoning tasks
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku is the cost-efficient model for simple tasks
	ModelHaiku = "claude-3-5-haiku-20241022"
)

// GetDefaultModel returns the default model, checking PENTAGENT_MODEL first.
func GetDefaultModel() string {
	if model := os.Getenv("PENTAGENT_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// GetSimpleTaskModel returns the model for simple tasks, checking
// PENTAGENT_MODEL_SIMPLE first.
func GetSimpleTaskModel() string {
	if model := os.Getenv("PENTAGENT_MODEL_SIMPLE"); model != "" {
		return model
	}
	return ModelHaiku
}

// Usage reports token counts for one completed call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Config holds client configuration.
type Config struct {
	APIKey string // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model  string // Model to use (default: GetDefaultModel())
	Retry  RetryConfig

	// RequestsPerSecond throttles outgoing calls client-side, on top of the
	// server's own rate limits (default: 2, 0 = unlimited)
	RequestsPerSecond float64
}

// Client is the single gateway to the Anthropic API.
type Client struct {
	api            *anthropic.Client
	model          string
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
}

// NewClient creates an API client with the configured resilience stack.
func NewClient(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	api := anthropic.NewClient(option.WithAPIKey(apiKey))

	var circuitBreaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuitBreaker = NewCircuitBreaker(
			retry.FailureThreshold,
			retry.SuccessThreshold,
			retry.OpenTimeout,
		)
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 2
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	return &Client{
		api:            &api,
		model:          model,
		retry:          retry,
		circuitBreaker: circuitBreaker,
		concurrencySem: concurrencySem,
		limiter:        limiter,
	}, nil
}

// Model returns the default model the client calls.
func (c *Client) Model() string {
	return c.model
}

// Complete sends a single-turn prompt and returns the concatenated text
// blocks of the response. The operation name only appears in logs and error
// messages.
func (c *Client) Complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, Usage, error) {
	return c.CompleteWithModel(ctx, operation, c.model, prompt, maxTokens)
}

// CompleteWithModel is Complete with an explicit model, for callers that
// want the cheap tier.
func (c *Client) CompleteWithModel(ctx context.Context, operation, model, prompt string, maxTokens int64) (string, Usage, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var response *anthropic.Message
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(attemptCtx); err != nil {
				return err
			}
		}
		resp, apiErr := c.api.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var responseText string
	for _, block := range response.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}

	usage := Usage{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}
	return responseText, usage, nil
}

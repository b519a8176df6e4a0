// Package llm wraps the generative model used for text artifacts the
// fix generator cannot template: alt-text suggestions and remediation
// guide prose. Everything behind the Client interface so tests and the
// "off" configuration run without network access.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"konform/internal/config"
	"konform/internal/errs"
	"konform/internal/logging"
)

// Client is the surface the fix generator talks to.
type Client interface {
	// Complete sends one prompt and returns the model's text answer.
	Complete(ctx context.Context, system, prompt string) (string, error)
	Close() error
}

// GenAIClient talks to the Gemini API.
type GenAIClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIClient builds a client from config; the API key is read from
// the configured environment variable by the caller.
func NewGenAIClient(apiKey string, cfg config.LLMConfig) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, errs.Errorf(errs.Dependency, "llm.NewGenAIClient", "API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, errs.E(errs.Dependency, "llm.NewGenAIClient", err)
	}

	timeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	return &GenAIClient{client: client, model: model, timeout: timeout}, nil
}

// Complete calls the model, retrying transient failures once.
func (c *GenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	var text string
	op := func() error {
		start := time.Now()
		result, err := c.client.Models.GenerateContent(ctx, c.model,
			genai.Text(prompt), cfg)
		if err != nil {
			return fmt.Errorf("GenAI generate failed: %w", err)
		}
		text = strings.TrimSpace(result.Text())
		if text == "" {
			return backoff.Permanent(fmt.Errorf("empty model response"))
		}
		logging.Debug(logging.CategoryLLM, "model %s answered in %s (%d chars)",
			c.model, time.Since(start).Round(time.Millisecond), len(text))
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx)); err != nil {
		if ctx.Err() != nil {
			return "", errs.E(errs.Cancelled, "llm.Complete", ctx.Err())
		}
		return "", errs.E(errs.Dependency, "llm.Complete", err)
	}
	return text, nil
}

// Close releases the client.
func (c *GenAIClient) Close() error {
	return nil
}

// Disabled is the client used when no model is configured. Every call
// fails with a dependency error, which downgrades generated fixes to
// template- or guide-based output.
type Disabled struct{}

func (Disabled) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", errs.Errorf(errs.Dependency, "llm.Disabled", "no model configured")
}

func (Disabled) Close() error { return nil }

// FromConfig wires the configured provider.
func FromConfig(apiKey string, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "genai":
		return NewGenAIClient(apiKey, cfg)
	case "", "off":
		return Disabled{}, nil
	default:
		return nil, errs.Errorf(errs.InvalidInput, "llm.FromConfig", "unknown provider %q", cfg.Provider)
	}
}

// Package openai is a backend.Client for OpenAI and OpenAI-compatible chat
// completion APIs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// Client sends single-message chat completions.
type Client struct {
	client       openai.Client
	defaultModel string
	tokens       *backend.TokenEstimator
	logger       *zap.Logger
}

var _ backend.Client = (*Client)(nil)

// Config holds connection settings.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses api.openai.com
	DefaultModel string
	HTTPClient   *http.Client
}

// New creates a Client. Retries are left to the resilience envelope.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{
		client:       openai.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		tokens:       backend.NewTokenEstimator(backend.DefaultEncoding),
		logger:       logger,
	}, nil
}

// Generate sends the prompt as one user message.
func (c *Client) Generate(ctx context.Context, p models.Prompt) (models.Completion, error) {
	model := p.Model
	if model == "" {
		model = c.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(p.Text),
		},
		Model:       openai.ChatModel(model),
		Temperature: openai.Float(p.Temperature),
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return models.Completion{}, classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return models.Completion{}, fmt.Errorf("openai chat completion: %w", backend.ErrEmptyResponse)
	}

	content := resp.Choices[0].Message.Content
	tokens := int(resp.Usage.TotalTokens)
	if tokens == 0 {
		tokens = c.EstimateTokens(p.Text + content)
	}
	served := resp.Model
	if served == "" {
		served = model
	}
	return models.Completion{
		Content:    content,
		Model:      served,
		TokensUsed: tokens,
		Status:     models.StatusSuccess,
	}, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return backend.Reject(fmt.Errorf("openai chat completion: %w", err))
		}
		return fmt.Errorf("openai chat completion: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	return fmt.Errorf("openai chat completion: %w: %w", backend.ErrUnavailable, err)
}

// IsAvailable reports whether the models endpoint answers.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if _, err := c.client.Models.List(ctx); err != nil {
		c.logger.Warn("openai health check failed", zap.Error(err))
		return false
	}
	return true
}

// EstimateTokens estimates the token count of text.
func (c *Client) EstimateTokens(text string) int {
	return c.tokens.Estimate(text)
}

// ModelName returns the default model.
func (c *Client) ModelName() string {
	return c.defaultModel
}

// Package ollama is a backend.Client for a local or remote Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// DefaultBaseURL is where Ollama listens by default.
const DefaultBaseURL = "http://localhost:11434"

// Client talks to Ollama's /api/generate and /api/tags endpoints.
type Client struct {
	api          *api.Client
	defaultModel string
	tokens       *backend.TokenEstimator
	logger       *zap.Logger
}

var _ backend.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenEstimator replaces the estimator used when Ollama does not report
// token counts.
func WithTokenEstimator(e *backend.TokenEstimator) Option {
	return func(c *Client) { c.tokens = e }
}

// New returns a Client for the server at baseURL serving defaultModel.
func New(baseURL, defaultModel string, httpClient *http.Client, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		api:          api.NewClient(u, httpClient),
		defaultModel: defaultModel,
		tokens:       backend.NewTokenEstimator(backend.DefaultEncoding),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Generate sends a non-streaming generate request.
func (c *Client) Generate(ctx context.Context, p models.Prompt) (models.Completion, error) {
	model := p.Model
	if model == "" {
		model = c.defaultModel
	}
	options := map[string]any{"temperature": p.Temperature}
	if p.MaxTokens > 0 {
		options["num_predict"] = p.MaxTokens
	}
	stream := false
	req := &api.GenerateRequest{
		Model:   model,
		Prompt:  p.Text,
		Stream:  &stream,
		Options: options,
	}

	c.logger.Debug("sending request to ollama",
		zap.String("model", model), zap.Int("prompt_length", len(p.Text)))

	var (
		content strings.Builder
		final   api.GenerateResponse
	)
	err := c.api.Generate(ctx, req, func(resp api.GenerateResponse) error {
		content.WriteString(resp.Response)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return models.Completion{}, classify(err)
	}
	if content.Len() == 0 {
		return models.Completion{}, fmt.Errorf("ollama generate: %w", backend.ErrEmptyResponse)
	}

	text := content.String()
	tokens := final.PromptEvalCount + final.EvalCount
	if tokens == 0 {
		tokens = c.EstimateTokens(p.Text + text)
	}
	served := final.Model
	if served == "" {
		served = model
	}
	return models.Completion{
		Content:    text,
		Model:      served,
		TokensUsed: tokens,
		Status:     models.StatusSuccess,
	}, nil
}

// classify marks 4xx responses as rejections; everything else is transient.
func classify(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
			statusErr.StatusCode != http.StatusTooManyRequests && statusErr.StatusCode != http.StatusRequestTimeout {
			return backend.Reject(fmt.Errorf("ollama generate: %w", err))
		}
		return fmt.Errorf("ollama generate: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ollama generate: %w", err)
	}
	return fmt.Errorf("ollama generate: %w: %w", backend.ErrUnavailable, err)
}

// IsAvailable reports whether the server answers /api/tags.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if _, err := c.api.List(ctx); err != nil {
		c.logger.Warn("ollama health check failed", zap.Error(err))
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

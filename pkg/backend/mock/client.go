// Package mock provides a deterministic backend.Client for tests and offline
// runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// ModelName is the model every mock completion reports.
const ModelName = "mock-model"

const recipeTemplate = `{
  "title": "Mock Recipe",
  "description": "Test recipe using %s",
  "prepTime": 15,
  "cookTime": 30,
  "difficulty": "easy",
  "instructions": ["Step 1: Prepare ingredients", "Step 2: Cook", "Step 3: Serve"],
  "tags": ["Test", "Mock"]
}`

// Client returns a canned recipe derived from the prompt. Errors and
// completions can be scripted per call.
type Client struct {
	calls     atomic.Int64
	available atomic.Bool
	delay     time.Duration

	mu        sync.Mutex
	queue     []result
	responder func(models.Prompt) (models.Completion, error)
}

type result struct {
	completion models.Completion
	err        error
}

var _ backend.Client = (*Client)(nil)

// New returns an available mock client.
func New() *Client {
	c := &Client{}
	c.available.Store(true)
	return c
}

// WithDelay makes every Generate call take d, or until ctx is done.
func (c *Client) WithDelay(d time.Duration) *Client {
	c.delay = d
	return c
}

// Respond replaces the default canned response for calls with nothing queued.
func (c *Client) Respond(fn func(models.Prompt) (models.Completion, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = fn
}

// FailNext queues err for the next n calls.
func (c *Client) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.queue = append(c.queue, result{err: err})
	}
}

// ReturnNext queues a completion for the next call.
func (c *Client) ReturnNext(completion models.Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, result{completion: completion})
}

// SetAvailable sets what IsAvailable reports.
func (c *Client) SetAvailable(available bool) {
	c.available.Store(available)
}

// Calls returns how many times Generate has been invoked.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Generate returns the next queued result, or the canned recipe.
func (c *Client) Generate(ctx context.Context, p models.Prompt) (models.Completion, error) {
	c.calls.Add(1)

	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.Completion{}, ctx.Err()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	var next *result
	if len(c.queue) > 0 {
		r := c.queue[0]
		next = &r
		c.queue = c.queue[1:]
	}
	responder := c.responder
	c.mu.Unlock()

	if next != nil {
		if next.err != nil {
			return models.Completion{}, next.err
		}
		return backend.Normalize(next.completion, p), nil
	}
	if responder != nil {
		completion, err := responder(p)
		if err != nil {
			return models.Completion{}, err
		}
		return backend.Normalize(completion, p), nil
	}

	text := p.Text
	if r := []rune(text); len(r) > 50 {
		text = string(r[:50])
	}
	content := fmt.Sprintf(recipeTemplate, text)
	return models.Completion{
		Content:    content,
		Model:      ModelName,
		TokensUsed: c.EstimateTokens(content),
		Status:     models.StatusSuccess,
	}, nil
}

// IsAvailable reports the configured availability.
func (c *Client) IsAvailable(context.Context) bool {
	return c.available.Load()
}

// EstimateTokens uses the character estimate.
func (c *Client) EstimateTokens(text string) int {
	return backend.CharEstimate(text)
}

// ModelName returns ModelName.
func (c *Client) ModelName() string {
	return ModelName
}

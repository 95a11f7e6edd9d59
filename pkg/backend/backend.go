// Package backend defines the contract for LLM backend clients and the error
// classes the resilience envelope uses to decide what is retried.
package backend

import (
	"context"
	"errors"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// Client generates completions from an LLM backend. Implementations must be
// safe for concurrent use.
type Client interface {
	// Generate runs one generation attempt. A nil error means the completion
	// succeeded unless its Status says otherwise.
	Generate(ctx context.Context, prompt models.Prompt) (models.Completion, error)
	IsAvailable(ctx context.Context) bool
	EstimateTokens(text string) int
	// ModelName is the model used when a prompt does not name one.
	ModelName() string
}

var (
	// ErrRejected marks a backend refusal that retrying cannot fix.
	ErrRejected = errors.New("backend rejected request")
	// ErrUnavailable reports that the backend could not be reached.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrEmptyResponse reports a successful call that carried no content.
	ErrEmptyResponse = errors.New("backend returned empty response")
)

type rejection struct{ err error }

func (r *rejection) Error() string        { return r.err.Error() }
func (r *rejection) Unwrap() error        { return r.err }
func (r *rejection) Is(target error) bool { return target == ErrRejected }

// Reject marks err as a rejection. Rejections are never retried and never
// count against the circuit breaker.
func Reject(err error) error {
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	return &rejection{err: err}
}

// IsRejection reports whether err, or anything it wraps, is a rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Normalize fills in the defaults a client applies to every completion: a
// blank status means success and a blank model means the prompt's model.
func Normalize(c models.Completion, p models.Prompt) models.Completion {
	if c.Status == "" {
		c.Status = models.StatusSuccess
	}
	if c.Model == "" {
		c.Model = p.Model
	}
	return c
}

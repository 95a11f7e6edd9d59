package backend

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used for estimates. It is close
// enough for Mistral and Llama family models.
const DefaultEncoding = "cl100k_base"

// TokenEstimator counts tokens with tiktoken, falling back to roughly four
// characters per token when the encoding cannot be loaded.
type TokenEstimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewTokenEstimator returns an estimator for the named encoding. An empty
// encoding always uses the character estimate.
func NewTokenEstimator(encoding string) *TokenEstimator {
	return &TokenEstimator{encoding: encoding}
}

// Estimate returns the estimated token count of text.
func (e *TokenEstimator) Estimate(text string) int {
	if e == nil || e.encoding == "" {
		return CharEstimate(text)
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc == nil {
		return CharEstimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// CharEstimate is the four-characters-per-token rule of thumb.
func CharEstimate(text string) int {
	return len(text) / 4
}

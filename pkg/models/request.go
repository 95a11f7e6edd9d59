package models

// DefaultTemperature is applied when a request does not set one.
const DefaultTemperature = 0.7

// GenerationRequest is a single text generation request.
// CallerID identifies the caller for rate limiting and logging; it never
// contributes to the cache key.
type GenerationRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	CallerID    string   `json:"caller_id,omitempty"`
}

// TemperatureOrDefault returns the request temperature, or DefaultTemperature
// when unset.
func (r GenerationRequest) TemperatureOrDefault() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// MaxTokensOrZero returns the max-token bound, or 0 when unset.
func (r GenerationRequest) MaxTokensOrZero() int {
	if r.MaxTokens == nil {
		return 0
	}
	return *r.MaxTokens
}

// Prompt is what a backend client receives for one generation attempt.
type Prompt struct {
	Text        string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Completion is a backend client's answer to a Prompt.
type Completion struct {
	Content      string
	Model        string
	TokensUsed   int
	Status       Status
	ErrorMessage string
}

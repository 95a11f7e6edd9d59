package models

// Status tags the outcome of a generation attempt.
type Status string

const (
	StatusSuccess            Status = "SUCCESS"
	StatusCacheHit           Status = "CACHE_HIT"
	StatusFailed             Status = "FAILED"
	StatusRateLimited        Status = "RATE_LIMITED"
	StatusServiceUnavailable Status = "SERVICE_UNAVAILABLE"
	StatusError              Status = "ERROR"
)

// Cacheable reports whether a result with this status may populate the cache.
func (s Status) Cacheable() bool {
	return s == StatusSuccess
}

// GenerationResult is the outcome of one call to the orchestrator.
type GenerationResult struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokens_used"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
	Cached       bool   `json:"cached"`
}

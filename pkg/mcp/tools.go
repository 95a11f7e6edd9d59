package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

type generateArgs struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	CallerID    string   `json:"caller_id"`
}

// mcpCaller is the rate-limit identity for tool calls that name no caller.
const mcpCaller = "mcp"

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"generate":       handleGenerate,
	"cache_stats":    handleCacheStats,
	"cache_purge":    handleCachePurge,
	"backend_health": handleBackendHealth,
}

var emptySchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

var allTools = []ToolDefinition{
	{
		Name:        "generate",
		Description: "Generate text for a prompt. Identical requests are answered from the response cache.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"prompt"},
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The prompt text",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Model name or route alias (optional, defaults to the configured model)",
				},
				"temperature": map[string]any{
					"type":        "number",
					"description": "Sampling temperature (optional, default 0.7)",
				},
				"max_tokens": map[string]any{
					"type":        "integer",
					"description": "Upper bound on generated tokens (optional)",
				},
				"caller_id": map[string]any{
					"type":        "string",
					"description": "Caller identity used for rate limiting (optional)",
				},
			},
		},
	},
	{
		Name:        "cache_stats",
		Description: "Show response cache statistics (entries, hits, misses, hit rate).",
		InputSchema: emptySchema,
	},
	{
		Name:        "cache_purge",
		Description: "Delete expired entries from the response cache.",
		InputSchema: emptySchema,
	},
	{
		Name:        "backend_health",
		Description: "Report whether the LLM backend is reachable and which model it serves by default.",
		InputSchema: emptySchema,
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleGenerate(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args generateArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return errorResult("prompt is required")
	}
	if args.CallerID == "" {
		args.CallerID = mcpCaller
	}

	result := s.svc.Generate(ctx, models.GenerationRequest{
		Prompt:      args.Prompt,
		Model:       args.Model,
		Temperature: args.Temperature,
		MaxTokens:   args.MaxTokens,
		CallerID:    args.CallerID,
	})
	text := formatGenerationResult(result)
	if result.Status != models.StatusSuccess && result.Status != models.StatusCacheHit {
		return errorResult(text)
	}
	return textResult(text)
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.svc.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleCachePurge(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	n, err := s.svc.PurgeExpired(ctx)
	if err != nil {
		return errorResult("Error purging cache: " + err.Error())
	}
	return textResult(formatPurge(n))
}

func handleBackendHealth(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	up := s.svc.IsAvailable(ctx)
	text := formatHealth(up, s.svc.ModelName())
	if !up {
		return errorResult(text)
	}
	return textResult(text)
}

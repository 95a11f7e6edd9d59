package mcp

import (
	"fmt"
	"strings"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// formatGenerationResult renders the outcome header followed by the content.
func formatGenerationResult(r models.GenerationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status:  %s\n", r.Status)
	fmt.Fprintf(&b, "Model:   %s\n", r.Model)
	if r.Cached {
		b.WriteString("Cached:  yes\n")
	} else {
		fmt.Fprintf(&b, "Cached:  no (%d ms)\n", r.LatencyMs)
	}
	if r.TokensUsed > 0 {
		fmt.Fprintf(&b, "Tokens:  %d\n", r.TokensUsed)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error:   %s\n", r.ErrorMessage)
	}
	if r.Content != "" {
		b.WriteString(strings.Repeat("-", 40) + "\n")
		b.WriteString(r.Content)
		if !strings.HasSuffix(r.Content, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Valid:    %d\n"+
		"  Expired:  %d\n"+
		"  Total:    %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.ValidEntries, stats.ExpiredEntries, stats.TotalEntries,
		stats.Hits, stats.Misses, stats.HitRate*100)
}

func formatPurge(n int64) string {
	if n == 1 {
		return "Deleted 1 expired cache entry."
	}
	return fmt.Sprintf("Deleted %d expired cache entries.", n)
}

func formatHealth(up bool, model string) string {
	state := "up"
	if !up {
		state = "down"
	}
	return fmt.Sprintf("Backend: %s\nDefault model: %s\n", state, model)
}

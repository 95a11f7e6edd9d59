// Package fingerprint derives the content address used as the cache key for a
// generation request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// DefaultModelToken stands in for an empty model identifier.
const DefaultModelToken = "default"

const delimiter = "|"

// Normalize renders the canonical string hashed by Of:
// lowercased, trimmed prompt | model (or "default") | temperature with two decimals.
//
// Trimming removes ASCII control characters and spaces only. The temperature
// is rounded half up on its shortest decimal form, so 0.125 renders as 0.13.
func Normalize(req models.GenerationRequest) string {
	model := req.Model
	if model == "" {
		model = DefaultModelToken
	}
	return strings.ToLower(strings.TrimFunc(req.Prompt, isTrimmed)) +
		delimiter + model +
		delimiter + formatHundredths(req.TemperatureOrDefault())
}

func isTrimmed(r rune) bool {
	return r <= ' '
}

// formatHundredths formats v with two decimals, rounding half away from zero
// on the shortest decimal representation of v.
func formatHundredths(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}

	s := strconv.FormatFloat(v, 'f', -1, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	frac += "000"

	digits := []byte(whole + frac[:2])
	if frac[2] >= '5' {
		i := len(digits) - 1
		for ; i >= 0 && digits[i] == '9'; i-- {
			digits[i] = '0'
		}
		if i < 0 {
			digits = append([]byte{'1'}, digits...)
		} else {
			digits[i]++
		}
	}
	n := len(digits)
	return sign + string(digits[:n-2]) + "." + string(digits[n-2:])
}

// Of returns the lowercase hex SHA-256 of the normalized request.
// CallerID and MaxTokens do not contribute.
func Of(req models.GenerationRequest) string {
	sum := sha256.Sum256([]byte(Normalize(req)))
	return hex.EncodeToString(sum[:])
}

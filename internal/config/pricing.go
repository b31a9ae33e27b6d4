package config

import "strings"

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPricing maps model base names to their pricing. Used by the
// normalizer to estimate cost for events that carry token deltas without an
// explicit cost figure.
var DefaultPricing = map[string]ModelPricing{
	"claude-opus-4-5":   {InputPerMTok: 5.00, OutputPerMTok: 25.00},
	"claude-opus-4-1":   {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-4-5":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"claude-haiku-3-5":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gpt-5-codex":       {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini-2.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 10.00},
}

// fallbackPricing is applied to unknown models so cost stays an estimate
// rather than silently zero.
var fallbackPricing = ModelPricing{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// NormalizeModelName strips date suffixes from model identifiers.
// e.g., "claude-sonnet-4-5-20250929" -> "claude-sonnet-4-5"
func NormalizeModelName(raw string) string {
	if _, ok := DefaultPricing[raw]; ok {
		return raw
	}

	parts := strings.Split(raw, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := DefaultPricing[candidate]; ok {
				return candidate
			}
		}
	}

	return raw
}

// EstimateCost returns the estimated USD cost for a token delta on a model.
func EstimateCost(modelID string, tokensIn, tokensOut int64) float64 {
	pricing, ok := DefaultPricing[NormalizeModelName(modelID)]
	if !ok {
		pricing = fallbackPricing
	}
	return float64(tokensIn)/1_000_000*pricing.InputPerMTok +
		float64(tokensOut)/1_000_000*pricing.OutputPerMTok
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package pricing holds the static per-model pricing and capability tables
// consulted by adapters and the router. The tables are read-only after
// initialization.
package pricing

import (
	"sort"
	"strings"

	"github.com/conduitllm/conduit/internal/domain"
)

// ModelPricing is one row of the pricing/capability table. Rates are USD
// per million tokens.
type ModelPricing struct {
	Provider      string
	InputPerMTok  float64
	OutputPerMTok float64
	ContextWindow int
	Vision        bool
	Streaming     bool
	Tier          domain.CostTier
}

// DefaultInputPerMTok and DefaultOutputPerMTok are the documented default
// rates applied only on best-effort dashboard paths when a model has no
// pricing row. Billing-critical paths never use them.
const (
	DefaultInputPerMTok  = 1.0
	DefaultOutputPerMTok = 3.0
)

var table = map[string]ModelPricing{
	// Anthropic
	"claude-opus-4":     {Provider: "anthropic", InputPerMTok: 15.0, OutputPerMTok: 75.0, ContextWindow: 200_000, Vision: true, Streaming: true, Tier: domain.CostTierHigh},
	"claude-sonnet-4":   {Provider: "anthropic", InputPerMTok: 3.0, OutputPerMTok: 15.0, ContextWindow: 200_000, Vision: true, Streaming: true, Tier: domain.CostTierMedium},
	"claude-3-5-haiku":  {Provider: "anthropic", InputPerMTok: 0.80, OutputPerMTok: 4.0, ContextWindow: 200_000, Vision: true, Streaming: true, Tier: domain.CostTierLow},

	// OpenAI
	"gpt-4o":        {Provider: "openai", InputPerMTok: 2.50, OutputPerMTok: 10.0, ContextWindow: 128_000, Vision: true, Streaming: true, Tier: domain.CostTierMedium},
	"gpt-4o-mini":   {Provider: "openai", InputPerMTok: 0.15, OutputPerMTok: 0.60, ContextWindow: 128_000, Vision: true, Streaming: true, Tier: domain.CostTierLow},
	"o3-mini":       {Provider: "openai", InputPerMTok: 1.10, OutputPerMTok: 4.40, ContextWindow: 200_000, Vision: false, Streaming: true, Tier: domain.CostTierMedium},
	"gpt-3.5-turbo": {Provider: "openai", InputPerMTok: 0.50, OutputPerMTok: 1.50, ContextWindow: 16_385, Vision: false, Streaming: true, Tier: domain.CostTierLow},

	// Google
	"gemini-2.0-flash": {Provider: "gemini", InputPerMTok: 0.10, OutputPerMTok: 0.40, ContextWindow: 1_048_576, Vision: true, Streaming: true, Tier: domain.CostTierLow},
	"gemini-1.5-pro":   {Provider: "gemini", InputPerMTok: 1.25, OutputPerMTok: 5.0, ContextWindow: 2_097_152, Vision: true, Streaming: true, Tier: domain.CostTierMedium},
}

// Lookup returns the pricing row for a model. Versioned identifiers match
// their base row by prefix (claude-sonnet-4-20250514 matches claude-sonnet-4).
// When several base IDs prefix-match, the longest wins: gpt-4o-mini-2024-07-18
// must resolve to gpt-4o-mini, never gpt-4o.
func Lookup(model string) (ModelPricing, bool) {
	if p, ok := table[model]; ok {
		return p, true
	}
	var best string
	for id := range table {
		if strings.HasPrefix(model, id+"-") && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return table[best], true
}

// ProviderFor returns the provider owning a model, or "".
func ProviderFor(model string) string {
	p, ok := Lookup(model)
	if !ok {
		return ""
	}
	return p.Provider
}

// Cost prices exact token usage for a model. Unknown models fail with
// unsupported_model so billing paths can never silently bill zero.
func Cost(usage domain.TokenUsage, model string) (domain.CostBreakdown, error) {
	p, ok := Lookup(model)
	if !ok {
		return domain.CostBreakdown{}, domain.ErrUnsupportedModel(model)
	}
	return breakdown(usage, p.InputPerMTok, p.OutputPerMTok), nil
}

// BestEffortCost prices usage with the documented default rates when the
// model is unknown. For dashboards only.
func BestEffortCost(usage domain.TokenUsage, model string) domain.CostBreakdown {
	if c, err := Cost(usage, model); err == nil {
		return c
	}
	return breakdown(usage, DefaultInputPerMTok, DefaultOutputPerMTok)
}

func breakdown(usage domain.TokenUsage, inRate, outRate float64) domain.CostBreakdown {
	in := float64(usage.PromptTokens) / 1e6 * inRate
	out := float64(usage.CompletionTokens) / 1e6 * outRate
	c := domain.CostBreakdown{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in + out,
		Currency:   domain.CurrencyUSD,
	}
	if usage.TotalTokens > 0 {
		c.CostPer1KTokens = c.TotalCost / float64(usage.TotalTokens) * 1000
	}
	return c
}

// Models returns all known model IDs, optionally filtered by provider and
// tier ceiling, sorted for deterministic selection.
func Models(provider string, maxTier domain.CostTier) []string {
	var out []string
	for id, p := range table {
		if provider != "" && p.Provider != provider {
			continue
		}
		if maxTier != "" && tierRank(p.Tier) > tierRank(maxTier) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SupportsVision reports whether the model accepts image input. Unknown
// models report false.
func SupportsVision(model string) bool {
	p, ok := Lookup(model)
	return ok && p.Vision
}

func tierRank(t domain.CostTier) int {
	switch t {
	case domain.CostTierLow:
		return 0
	case domain.CostTierMedium:
		return 1
	case domain.CostTierHigh:
		return 2
	}
	return 1
}

// TierRank exposes the ordering of cost tiers for the router.
func TierRank(t domain.CostTier) int { return tierRank(t) }

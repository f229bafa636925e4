// Package routing turns a task description and caller constraints into a
// deterministic routing decision: an orchestration strategy and a concrete
// model/provider pairing.
package routing

import (
	"strings"

	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/pricing"
	"github.com/conduitllm/conduit/internal/tokens"
)

// Constraints are the caller-supplied routing constraints.
type Constraints struct {
	MaxCost           domain.CostTier `json:"max_cost,omitempty" validate:"omitempty,oneof=low medium high"`
	PreferredProvider string          `json:"preferred_provider,omitempty"`
	MaxLatencyMS      int             `json:"max_latency_ms,omitempty"`
	TimeoutMS         int             `json:"timeout_ms,omitempty"`
}

// Decision is produced once per request and is immutable.
type Decision struct {
	Strategy      domain.Strategy `json:"strategy"`
	SelectedModel string          `json:"selected_model"`
	Provider      string          `json:"provider"`
	Complexity    int             `json:"complexity"` // 1..5
	EstimatedCost domain.CostTier `json:"estimated_cost"`
	Reason        string          `json:"reason"`
}

// Engine scores tasks and assigns strategies. All selection is
// deterministic: identical inputs always produce identical decisions, with
// ties broken by the stated cost ceiling.
type Engine struct {
	estimator *tokens.Estimator
}

// NewEngine creates a routing engine.
func NewEngine(estimator *tokens.Estimator) *Engine {
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	return &Engine{estimator: estimator}
}

// lowLatencyThresholdMS is the latency budget at or below which the
// engine stops considering anything above the low cost tier.
const lowLatencyThresholdMS = 2000

// Keyword groups driving complexity scoring. Matching is case-insensitive
// whole-string containment.
var (
	decomposableKeywords = []string{
		"build", "implement", "create a", "develop", "design", "architect",
		"integrate", "refactor", "pipeline", "landing page", "application",
		"end-to-end", "multi-step",
	}
	analyticalKeywords = []string{
		"analyze", "compare", "evaluate", "research", "investigate",
		"trade-off", "tradeoff", "assess", "benchmark", "why",
	}
	breadthKeywords = []string{
		"comprehensive", "complete", "thorough", "all aspects", "every",
		"in depth", "in-depth", "full",
	}
	riskKeywords = []string{
		"delete all", "drop database", "irreversible", "wire transfer",
		"legal advice", "medical advice", "production credentials",
		"terminate contract",
	}
)

// Decide assigns a strategy and model for a task. It never fails for a
// well-formed task; the worst case is an escalate decision.
func (e *Engine) Decide(task string, c *Constraints) Decision {
	if c == nil {
		c = &Constraints{}
	}
	lower := strings.ToLower(task)

	complexity, decomposable := e.score(lower, task)
	strategy := e.strategy(lower, complexity, decomposable, c)
	tier := estimateTier(strategy, complexity, c.MaxCost)

	// A tight latency budget forces the low tier; in the capability table
	// the cheap models are also the fast ones. Escalation is exempt, its
	// tier reflects human time.
	if strategy != domain.StrategyEscalate &&
		c.MaxLatencyMS > 0 && c.MaxLatencyMS <= lowLatencyThresholdMS &&
		pricing.TierRank(tier) > pricing.TierRank(domain.CostTierLow) {
		tier = domain.CostTierLow
	}

	model, provider := selectModel(c.PreferredProvider, tier)
	return Decision{
		Strategy:      strategy,
		SelectedModel: model,
		Provider:      provider,
		Complexity:    complexity,
		EstimatedCost: tier,
		Reason:        reasonFor(strategy),
	}
}

// score rates task complexity on a 1..5 scale from prompt size and task
// characteristics, and reports whether the task looks decomposable.
func (e *Engine) score(lower, task string) (int, bool) {
	complexity := 1
	decomposable := false

	promptTokens := e.estimator.EstimateText("gpt-4o", task)
	if promptTokens > 60 {
		complexity++
	}
	if promptTokens > 250 {
		complexity++
	}

	if containsAny(lower, decomposableKeywords) {
		complexity += 2
		decomposable = true
	}
	if containsAny(lower, analyticalKeywords) {
		complexity++
	}
	if containsAny(lower, breadthKeywords) {
		complexity++
	}

	if complexity > 5 {
		complexity = 5
	}
	return complexity, decomposable
}

func (e *Engine) strategy(lower string, complexity int, decomposable bool, c *Constraints) domain.Strategy {
	// Irreversible or high-risk action always goes to a human.
	if containsAny(lower, riskKeywords) {
		return domain.StrategyEscalate
	}

	// A low cost ceiling biases toward handling the task directly unless
	// the task is clearly beyond single-call territory.
	if c.MaxCost == domain.CostTierLow && complexity <= 3 {
		return domain.StrategyDirect
	}

	switch {
	case decomposable && complexity >= 3:
		return domain.StrategyParallel
	case complexity >= 3:
		return domain.StrategyDelegate
	case complexity == 2:
		return domain.StrategyDelegate
	default:
		return domain.StrategyDirect
	}
}

func estimateTier(strategy domain.Strategy, complexity int, ceiling domain.CostTier) domain.CostTier {
	// Escalation is billed at the high tier: human time dominates.
	if strategy == domain.StrategyEscalate {
		return domain.CostTierHigh
	}

	var tier domain.CostTier
	switch {
	case complexity <= 2:
		tier = domain.CostTierLow
	case complexity == 3:
		tier = domain.CostTierMedium
	default:
		tier = domain.CostTierHigh
	}

	if ceiling != "" && pricing.TierRank(tier) > pricing.TierRank(ceiling) {
		tier = ceiling
	}
	return tier
}

// selectModel picks the model for a tier, honoring a preferred provider.
// Low tier takes the cheapest eligible model; higher tiers take the most
// capable model within the tier. Ties break lexically, never randomly.
func selectModel(provider string, tier domain.CostTier) (string, string) {
	candidates := pricing.Models(provider, tier)
	if len(candidates) == 0 {
		// relax tier rather than fail; Decide never errors
		candidates = pricing.Models(provider, "")
	}
	if len(candidates) == 0 {
		candidates = pricing.Models("", "")
	}

	best := candidates[0]
	bestRate := rateOf(best)
	for _, id := range candidates[1:] {
		r := rateOf(id)
		better := false
		if tier == domain.CostTierLow {
			better = r < bestRate || (r == bestRate && id < best)
		} else {
			better = r > bestRate || (r == bestRate && id < best)
		}
		if better {
			best, bestRate = id, r
		}
	}

	return best, pricing.ProviderFor(best)
}

func rateOf(model string) float64 {
	p, ok := pricing.Lookup(model)
	if !ok {
		return 0
	}
	return p.InputPerMTok + p.OutputPerMTok
}

func reasonFor(strategy domain.Strategy) string {
	switch strategy {
	case domain.StrategyDirect:
		return "low complexity task, handled with a single recommended model"
	case domain.StrategyDelegate:
		return "moderate complexity, delegated to one specialized model"
	case domain.StrategyParallel:
		return "decomposable task, fanned out across parallel sub-tasks"
	case domain.StrategyEscalate:
		return "task implies high-risk or ambiguous action, routed to human review"
	}
	return ""
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

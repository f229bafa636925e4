// Package fallback selects substitute model chains after a classified
// adapter failure. Chains are static configuration; selection matches on
// the error's classification tag, never on message text.
package fallback

import (
	"strings"

	"github.com/conduitllm/conduit/internal/config"
	"github.com/conduitllm/conduit/internal/domain"
)

// Chain is a named ordered sequence of candidate models plus the error
// classes it is eligible to handle. Not mutated at runtime.
type Chain struct {
	Name    string
	Models  []string
	Handles []domain.ErrorType
}

// HandlesError reports whether the chain covers an error class.
func (c *Chain) HandlesError(t domain.ErrorType) bool {
	for _, h := range c.Handles {
		if h == t {
			return true
		}
	}
	return false
}

// Well-known chain names the selector prefers by request character.
const (
	ChainCostOptimized    = "cost-optimized"
	ChainReasoningFocused = "reasoning-focused"
	ChainBalanced         = "balanced"
)

var retryableClasses = []domain.ErrorType{
	domain.ErrorTypeRateLimit,
	domain.ErrorTypeTimeout,
	domain.ErrorTypeModelUnavailable,
	domain.ErrorTypeServer,
}

// DefaultChains are used when configuration defines none.
func DefaultChains() []Chain {
	return []Chain{
		{
			Name:    ChainCostOptimized,
			Models:  []string{"gpt-4o-mini", "gemini-2.0-flash", "claude-3-5-haiku"},
			Handles: retryableClasses,
		},
		{
			Name:    ChainReasoningFocused,
			Models:  []string{"claude-opus-4", "o3-mini", "gemini-1.5-pro"},
			Handles: retryableClasses,
		},
		{
			Name:    ChainBalanced,
			Models:  []string{"claude-sonnet-4", "gpt-4o", "gemini-1.5-pro"},
			Handles: retryableClasses,
		},
	}
}

// reasoningSignals mark tasks that warrant the reasoning-focused chain.
var reasoningSignals = []string{
	"reason", "prove", "step by step", "step-by-step", "math", "logic",
	"analyze", "complex",
}

// Manager owns the configured chains.
type Manager struct {
	chains []Chain
}

// NewManager builds a manager from configuration, falling back to the
// default chains when none are configured.
func NewManager(cfg config.FallbackConfig) *Manager {
	if len(cfg.Chains) == 0 {
		return &Manager{chains: DefaultChains()}
	}
	chains := make([]Chain, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chain := Chain{Name: c.Name, Models: c.Models}
		if len(c.Handles) == 0 {
			chain.Handles = retryableClasses
		} else {
			for _, h := range c.Handles {
				chain.Handles = append(chain.Handles, domain.ErrorType(h))
			}
		}
		chains = append(chains, chain)
	}
	return &Manager{chains: chains}
}

// ChainRequest describes the failed request for chain selection.
type ChainRequest struct {
	Task    string
	MaxCost domain.CostTier
}

// SelectChain returns the chain to try for a classified error, or nil when
// the error class is not retryable or no chain covers it. Preference
// order: the cost-optimized chain for a low cost ceiling, the
// reasoning-focused chain for tasks signalling complex reasoning, then the
// first eligible chain.
func (m *Manager) SelectChain(req ChainRequest, cerr *domain.ClassifiedError) *Chain {
	if cerr == nil || !cerr.Retryable {
		return nil
	}

	var eligible []*Chain
	for i := range m.chains {
		if m.chains[i].HandlesError(cerr.Type) {
			eligible = append(eligible, &m.chains[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	if req.MaxCost == domain.CostTierLow {
		if c := findChain(eligible, ChainCostOptimized); c != nil {
			return c
		}
	}
	if hasReasoningSignal(req.Task) {
		if c := findChain(eligible, ChainReasoningFocused); c != nil {
			return c
		}
	}
	return eligible[0]
}

func findChain(chains []*Chain, name string) *Chain {
	for _, c := range chains {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func hasReasoningSignal(task string) bool {
	lower := strings.ToLower(task)
	for _, s := range reasoningSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

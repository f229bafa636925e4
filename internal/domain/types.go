// Package domain defines the unified request/response schema that every
// provider adapter translates to and from.
package domain

import "strconv"

// Role values accepted in a ChatMessage.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is a single message in a conversation. Immutable once
// constructed; owned by the request or response that contains it.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ToolCall is an assistant-issued function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition declares a tool the model may call.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes the function signature.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema
}

// CostTier buckets a request's cost ceiling or estimate.
type CostTier string

const (
	CostTierLow    CostTier = "low"
	CostTierMedium CostTier = "medium"
	CostTierHigh   CostTier = "high"
)

// Strategy is the orchestration approach chosen for a task.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyDelegate Strategy = "delegate"
	StrategyParallel Strategy = "parallel"
	StrategyEscalate Strategy = "escalate"
)

// RoutingPreferences are caller-supplied routing constraints.
type RoutingPreferences struct {
	Strategy          Strategy `json:"strategy,omitempty"`
	MaxCost           CostTier `json:"max_cost,omitempty"`
	MaxLatencyMS      int      `json:"max_latency_ms,omitempty"`
	PreferredProvider string   `json:"preferred_provider,omitempty"`
	BlockedProviders  []string `json:"blocked_providers,omitempty"`
}

// BudgetConstraint caps spend for a request and tags it for tracking.
type BudgetConstraint struct {
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
	TrackingID string  `json:"tracking_id,omitempty"`
}

// UnifiedRequest is the provider-agnostic chat/completion request.
// Model may be a concrete identifier or "auto" to let the router choose.
type UnifiedRequest struct {
	Model         string              `json:"model"`
	Messages      []ChatMessage       `json:"messages"`
	Tools         []ToolDefinition    `json:"tools,omitempty"`
	ToolChoice    any                 `json:"tool_choice,omitempty"`
	Temperature   *float32            `json:"temperature,omitempty"`
	TopP          *float32            `json:"top_p,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	StopSequences []string            `json:"stop,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	Routing       *RoutingPreferences `json:"routing,omitempty"`
	Budget        *BudgetConstraint   `json:"budget,omitempty"`
}

// Validate checks the request invariants: messages non-empty, every message
// has a valid role, and content is present unless the message carries tool
// calls. Violations return an invalid_request error before any network call.
func (r *UnifiedRequest) Validate() error {
	if r.Model == "" {
		return ErrInvalidRequest("model is required")
	}
	if len(r.Messages) == 0 {
		return ErrInvalidRequest("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return ErrInvalidRequest("message " + strconv.Itoa(i) + ": invalid role")
		}
		if m.Content.IsEmpty() && len(m.ToolCalls) == 0 {
			return ErrInvalidRequest("message " + strconv.Itoa(i) + ": content is required")
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			return ErrInvalidRequest("message " + strconv.Itoa(i) + ": tool messages require tool_call_id")
		}
	}
	return nil
}

// HasImages reports whether any message carries image content.
func (r *UnifiedRequest) HasImages() bool {
	for _, m := range r.Messages {
		for _, p := range m.Content.Parts {
			if p.Type == ContentTypeImage || p.Type == ContentTypeImageURL {
				return true
			}
		}
	}
	return false
}

// FinishReason is the unified completion termination reason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// TokenUsage reports exact token counts as supplied by the provider.
// Invariant: TotalTokens == PromptTokens + CompletionTokens.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// CostBreakdown is the USD cost attribution for a response.
// Invariant: TotalCost == InputCost + OutputCost.
type CostBreakdown struct {
	InputCost       float64 `json:"input_cost"`
	OutputCost      float64 `json:"output_cost"`
	TotalCost       float64 `json:"total_cost"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
	Currency        string  `json:"currency"`
}

// Add returns the element-wise sum of two cost breakdowns.
func (c CostBreakdown) Add(o CostBreakdown) CostBreakdown {
	sum := CostBreakdown{
		InputCost:  c.InputCost + o.InputCost,
		OutputCost: c.OutputCost + o.OutputCost,
		TotalCost:  c.TotalCost + o.TotalCost,
		Currency:   CurrencyUSD,
	}
	return sum
}

// CurrencyUSD is the only currency this gateway accounts in.
const CurrencyUSD = "USD"

// LatencyMetrics records wall-clock timing for a completed call.
type LatencyMetrics struct {
	TotalMS    int64 `json:"total_ms"`
	ProviderMS int64 `json:"provider_ms"`
}

// RoutingMetadata explains how a response was produced.
type RoutingMetadata struct {
	SelectedProvider string `json:"selected_provider"`
	Reason           string `json:"reason,omitempty"`
	FallbackUsed     bool   `json:"fallback_used"`
	FallbackReason   string `json:"fallback_reason,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int          `json:"index"`
	Message      ChatMessage  `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// UnifiedResponse is the normalized response handed back to callers.
// Usage, Cost, Model and Provider are contract fields for downstream
// billing/audit consumers and are always populated.
type UnifiedResponse struct {
	ID       string           `json:"id"`
	Model    string           `json:"model"`
	Provider string           `json:"provider"`
	Choices  []Choice         `json:"choices"`
	Usage    TokenUsage       `json:"usage"`
	Cost     CostBreakdown    `json:"cost"`
	Latency  LatencyMetrics   `json:"latency"`
	Routing  *RoutingMetadata `json:"routing,omitempty"`
}

// Text returns the first choice's textual content, or "".
func (r *UnifiedResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content.String()
}

// StreamChunk is one incremental delta from a streaming call. The terminal
// chunk carries the finish reason and, when the provider reports it, usage.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	ToolCall     *ToolCall    `json:"tool_call,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	Err          error        `json:"-"`
}

// Model describes a model advertised by a provider.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider,omitempty"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Created  int64  `json:"created,omitempty"`
}

// ModelList is the merged model listing response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}


package domain

import "context"

// ProviderAdapter is implemented once per upstream vendor. Adapters are
// selected through a static registry keyed by provider name; never via
// reflection.
type ProviderAdapter interface {
	Name() string

	// Execute handles unary (non-streaming) requests.
	Execute(ctx context.Context, req *UnifiedRequest) (*UnifiedResponse, error)

	// Stream opens a streaming call. The returned channel delivers deltas in
	// provider order, ends with a terminal chunk carrying the finish reason,
	// and MUST be closed by the adapter. Streams are not restartable.
	Stream(ctx context.Context, req *UnifiedRequest) (<-chan StreamChunk, error)

	// CalculateCost prices exact token usage against the static pricing
	// table. Unknown models fail with unsupported_model; billing paths never
	// silently default to zero.
	CalculateCost(usage TokenUsage, model string) (CostBreakdown, error)

	// ValidateAPIKey reports whether the key is plausibly well-formed for
	// this vendor. It performs no network call.
	ValidateAPIKey(key string) bool

	// ListModels returns the models this provider advertises.
	ListModels(ctx context.Context) (*ModelList, error)
}

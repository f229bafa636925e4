// Package usage accumulates per-process token, cost, and latency
// statistics. The accountant is safe for concurrent use; all counters are
// guarded by one mutex, and reads return copies.
package usage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conduitllm/conduit/internal/domain"
)

// ModelStats aggregates usage for one model.
type ModelStats struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
}

// Stats is a point-in-time snapshot of the accountant.
type Stats struct {
	Requests         int                      `json:"requests"`
	PromptTokens     int                      `json:"prompt_tokens"`
	CompletionTokens int                      `json:"completion_tokens"`
	TotalTokens      int                      `json:"total_tokens"`
	CostUSD          float64                  `json:"cost_usd"`
	AvgLatencyMS     float64                  `json:"avg_latency_ms"`
	Fallbacks        int                      `json:"fallbacks"`
	ByModel          map[string]ModelStats    `json:"by_model"`
	Errors           map[domain.ErrorType]int `json:"errors"`
}

// Accountant tracks usage in memory. The prometheus collectors are
// optional; a nil registerer disables them.
type Accountant struct {
	mu        sync.Mutex
	requests  int
	usage     domain.TokenUsage
	costUSD   float64
	avgMS     float64
	fallbacks int
	byModel   map[string]*ModelStats
	errors    map[domain.ErrorType]int

	requestsTotal *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	fallbackTotal prometheus.Counter
}

// NewAccountant creates an accountant. When reg is non-nil the prometheus
// collectors are registered on it.
func NewAccountant(reg prometheus.Registerer) *Accountant {
	a := &Accountant{
		byModel: make(map[string]*ModelStats),
		errors:  make(map[domain.ErrorType]int),
	}
	if reg == nil {
		return a
	}

	a.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_requests_total",
		Help: "Completed upstream requests by model.",
	}, []string{"model", "provider"})
	a.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_tokens_total",
		Help: "Tokens consumed by model and direction.",
	}, []string{"model", "direction"})
	a.costTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_cost_usd_total",
		Help: "Accumulated cost in USD by model.",
	}, []string{"model"})
	a.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_errors_total",
		Help: "Classified upstream errors by class.",
	}, []string{"type"})
	a.fallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conduit_fallbacks_total",
		Help: "Requests served through a fallback chain.",
	})
	reg.MustRegister(a.requestsTotal, a.tokensTotal, a.costTotal, a.errorsTotal, a.fallbackTotal)
	return a
}

// Record accounts one completed request. The running latency average is
// updated incrementally; no per-request history is kept.
func (a *Accountant) Record(model, provider string, usage domain.TokenUsage, cost domain.CostBreakdown, latencyMS int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.avgMS = (a.avgMS*float64(a.requests) + float64(latencyMS)) / float64(a.requests+1)
	a.requests++
	a.usage = a.usage.Add(usage)
	a.costUSD += cost.TotalCost

	m := a.byModel[model]
	if m == nil {
		m = &ModelStats{}
		a.byModel[model] = m
	}
	m.AvgLatencyMS = (m.AvgLatencyMS*float64(m.Requests) + float64(latencyMS)) / float64(m.Requests+1)
	m.Requests++
	m.PromptTokens += usage.PromptTokens
	m.CompletionTokens += usage.CompletionTokens
	m.TotalTokens += usage.TotalTokens
	m.CostUSD += cost.TotalCost

	if a.requestsTotal != nil {
		a.requestsTotal.WithLabelValues(model, provider).Inc()
		a.tokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		a.tokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		a.costTotal.WithLabelValues(model).Add(cost.TotalCost)
	}
}

// RecordError accounts one classified failure.
func (a *Accountant) RecordError(t domain.ErrorType) {
	a.mu.Lock()
	a.errors[t]++
	a.mu.Unlock()

	if a.errorsTotal != nil {
		a.errorsTotal.WithLabelValues(string(t)).Inc()
	}
}

// RecordFallback accounts a request that was served through a fallback
// chain.
func (a *Accountant) RecordFallback() {
	a.mu.Lock()
	a.fallbacks++
	a.mu.Unlock()

	if a.fallbackTotal != nil {
		a.fallbackTotal.Inc()
	}
}

// Snapshot returns a copy of the current statistics.
func (a *Accountant) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Requests:         a.requests,
		PromptTokens:     a.usage.PromptTokens,
		CompletionTokens: a.usage.CompletionTokens,
		TotalTokens:      a.usage.TotalTokens,
		CostUSD:          a.costUSD,
		AvgLatencyMS:     a.avgMS,
		Fallbacks:        a.fallbacks,
		ByModel:          make(map[string]ModelStats, len(a.byModel)),
		Errors:           make(map[domain.ErrorType]int, len(a.errors)),
	}
	for model, m := range a.byModel {
		s.ByModel[model] = *m
	}
	for t, n := range a.errors {
		s.Errors[t] = n
	}
	return s
}

// Reset atomically zeroes all in-memory statistics. Prometheus counters
// are monotonic and are left untouched.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = 0
	a.usage = domain.TokenUsage{}
	a.costUSD = 0
	a.avgMS = 0
	a.fallbacks = 0
	a.byModel = make(map[string]*ModelStats)
	a.errors = make(map[domain.ErrorType]int)
}

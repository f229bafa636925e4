// Package orchestrator decomposes complex tasks into execution plans and
// runs them across the provider fleet. Plan generation is pure: it makes
// no network calls and is deterministic for a fixed task, decision, and
// model pool.
package orchestrator

import (
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/routing"
)

// Request is the orchestration entry payload.
type Request struct {
	Task        string               `json:"task" validate:"required,min=1,max=2000"`
	Constraints *routing.Constraints `json:"constraints,omitempty"`

	// PlanOnly returns the generated plan without executing it.
	PlanOnly bool `json:"plan_only,omitempty"`
}

// Aggregation methods for combining parallel sub-task results.
const (
	AggregateMerge      = "merge"
	AggregateSelectBest = "select_best"
	AggregateSynthesize = "synthesize"
)

// Aggregation describes how sub-task results are combined.
type Aggregation struct {
	Method string `json:"method"`
	// AggregatorModel runs the synthesis call when Method is "synthesize".
	AggregatorModel string `json:"aggregator_model,omitempty"`
}

// PlanTask is one unit of work in an execution plan. DependsOn references
// task IDs strictly earlier in the plan and is descriptive: it documents
// logical ordering for the caller but does not gate execution.
type PlanTask struct {
	ID              int    `json:"id"`
	Task            string `json:"task"`
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	Priority        int    `json:"priority"`
	DependsOn       []int  `json:"depends_on,omitempty"`
	EstimatedTokens int    `json:"estimated_tokens"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
}

// ExecutionPlan is the complete decomposition of a task. Immutable once
// built; the executor never mutates it.
type ExecutionPlan struct {
	ID            string          `json:"id"`
	Task          string          `json:"task"`
	Strategy      domain.Strategy `json:"strategy"`
	Complexity    int             `json:"complexity"`
	EstimatedCost domain.CostTier `json:"estimated_cost"`
	Tasks         []PlanTask      `json:"tasks"`
	Aggregation   Aggregation     `json:"aggregation"`
}

// Sub-task lifecycle states.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// SubTaskResult records the outcome of one plan task.
type SubTaskResult struct {
	PlanTask
	Status    string               `json:"status"`
	Result    string               `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorType domain.ErrorType     `json:"error_type,omitempty"`
	Usage     domain.TokenUsage    `json:"usage"`
	Cost      domain.CostBreakdown `json:"cost"`
	LatencyMS int64                `json:"latency_ms"`
}

// Response is the aggregated orchestration outcome. When every
// dispatched sub-task fails the whole request fails instead. Direct and
// escalate responses carry a single pending sub-task and no completed
// work.
type Response struct {
	PlanID    string               `json:"plan_id"`
	Strategy  domain.Strategy      `json:"strategy"`
	Result    string               `json:"result"`
	Summary   string               `json:"summary"`
	SubTasks  []SubTaskResult      `json:"sub_tasks"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Usage     domain.TokenUsage    `json:"usage"`
	Cost      domain.CostBreakdown `json:"cost"`
	LatencyMS int64                `json:"latency_ms"`
}

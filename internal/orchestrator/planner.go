package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/conduitllm/conduit/internal/config"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/pricing"
	"github.com/conduitllm/conduit/internal/routing"
	"github.com/conduitllm/conduit/internal/tokens"
)

// stage is one step of a decomposition template.
type stage struct {
	name   string
	prompt string
	system string
	// dependsOn lists earlier stage indexes (0-based) this stage builds on.
	dependsOn []int
}

var codingStages = []stage{
	{
		name:   "analyze",
		prompt: "Analyze the requirements for the following task and list the components needed:\n\n%s",
		system: "You are a software architect. Be concise and structured.",
	},
	{
		name:      "implement",
		prompt:    "Write the implementation for the following task:\n\n%s",
		system:    "You are a senior software engineer. Produce complete, working code.",
		dependsOn: []int{0},
	},
	{
		name:      "test",
		prompt:    "Write tests covering the main paths and edge cases of the following task:\n\n%s",
		system:    "You are a test engineer. Favor table-driven cases.",
		dependsOn: []int{1},
	},
	{
		name:      "review",
		prompt:    "Review the solution to the following task for correctness, clarity, and performance:\n\n%s",
		system:    "You are a code reviewer. Report concrete issues only.",
		dependsOn: []int{1, 2},
	},
}

var researchStages = []stage{
	{
		name:   "gather",
		prompt: "Collect the relevant facts, sources, and context for the following question:\n\n%s",
		system: "You are a research assistant. Cite what you rely on.",
	},
	{
		name:      "analyze",
		prompt:    "Analyze the evidence relevant to the following question and weigh the tradeoffs:\n\n%s",
		system:    "You are an analyst. Separate facts from interpretation.",
		dependsOn: []int{0},
	},
	{
		name:      "synthesize",
		prompt:    "Write a final answer to the following question, reconciling the analysis into one recommendation:\n\n%s",
		system:    "You are a technical writer. Be direct and complete.",
		dependsOn: []int{0, 1},
	},
}

var genericStages = []stage{
	{
		name:   "plan",
		prompt: "Break the following task into its main parts and outline an approach:\n\n%s",
		system: "Be concise and structured.",
	},
	{
		name:      "draft",
		prompt:    "Produce a complete first version of the following task:\n\n%s",
		dependsOn: []int{0},
	},
	{
		name:      "refine",
		prompt:    "Improve and polish the result of the following task, fixing gaps and inconsistencies:\n\n%s",
		dependsOn: []int{1},
	},
}

var codingSignals = []string{
	"code", "implement", "function", "api", "refactor", "build", "develop",
	"landing page", "application", "website", "script", "program",
}

var researchSignals = []string{
	"research", "compare", "investigate", "evaluate", "survey", "versus",
	" vs ", "pros and cons", "tradeoff",
}

// Planner turns a routing decision into an execution plan.
type Planner struct {
	cfg       config.RoutingConfig
	estimator *tokens.Estimator
}

// NewPlanner creates a planner. The routing config supplies the parallel
// model pool and the aggregator model.
func NewPlanner(cfg config.RoutingConfig, estimator *tokens.Estimator) *Planner {
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	return &Planner{cfg: cfg, estimator: estimator}
}

// BuildPlan generates the execution plan for a task. It performs no I/O:
// identical inputs yield identical plans up to the generated plan ID.
// Non-parallel strategies produce a single-task plan on the decision's
// selected model.
func (p *Planner) BuildPlan(task string, decision routing.Decision) *ExecutionPlan {
	plan := &ExecutionPlan{
		ID:            "plan_" + uuid.NewString(),
		Task:          task,
		Strategy:      decision.Strategy,
		Complexity:    decision.Complexity,
		EstimatedCost: decision.EstimatedCost,
	}

	if decision.Strategy != domain.StrategyParallel {
		plan.Tasks = []PlanTask{{
			ID:              1,
			Task:            task,
			Model:           decision.SelectedModel,
			Provider:        decision.Provider,
			Priority:        1,
			EstimatedTokens: p.estimate(decision.SelectedModel, task),
		}}
		plan.Aggregation = Aggregation{Method: AggregateMerge}
		return plan
	}

	stages := templateFor(task)
	pool := p.pool()
	plan.Tasks = make([]PlanTask, 0, len(stages))
	for i, s := range stages {
		model := pool[i%len(pool)]
		prompt := fmt.Sprintf(s.prompt, task)
		t := PlanTask{
			ID:              i + 1,
			Task:            prompt,
			Model:           model,
			Provider:        pricing.ProviderFor(model),
			Priority:        len(stages) - i,
			EstimatedTokens: p.estimate(model, prompt),
			SystemPrompt:    s.system,
		}
		for _, dep := range s.dependsOn {
			t.DependsOn = append(t.DependsOn, dep+1)
		}
		plan.Tasks = append(plan.Tasks, t)
	}

	plan.Aggregation = Aggregation{
		Method:          AggregateSynthesize,
		AggregatorModel: p.cfg.AggregatorModel,
	}
	if plan.Aggregation.AggregatorModel == "" {
		plan.Aggregation.Method = AggregateMerge
	}
	return plan
}

func (p *Planner) pool() []string {
	if len(p.cfg.ParallelPool) > 0 {
		return p.cfg.ParallelPool
	}
	return []string{"claude-sonnet-4", "gpt-4o", "gemini-2.0-flash"}
}

// estimate budgets prompt tokens plus a flat completion allowance.
func (p *Planner) estimate(model, prompt string) int {
	return p.estimator.EstimateText(model, prompt) + 512
}

func templateFor(task string) []stage {
	lower := strings.ToLower(task)
	for _, s := range codingSignals {
		if strings.Contains(lower, s) {
			return codingStages
		}
	}
	for _, s := range researchSignals {
		if strings.Contains(lower, s) {
			return researchStages
		}
	}
	return genericStages
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conduitllm/conduit/internal/domain"
)

// AdapterResolver resolves the adapter responsible for a model. Satisfied
// by provider.Registry.
type AdapterResolver interface {
	ForModel(model string) (domain.ProviderAdapter, error)
}

// Executor runs execution plans. Sub-task failures are isolated: one
// failing branch never cancels its siblings, and a partial result is
// returned as long as at least one sub-task completes.
type Executor struct {
	resolver AdapterResolver
	logger   *slog.Logger

	// MaxConcurrent bounds simultaneous provider calls. Zero means no limit.
	MaxConcurrent int
}

// NewExecutor creates an executor backed by the given adapter resolver.
func NewExecutor(resolver AdapterResolver, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{resolver: resolver, logger: logger}
}

// Execute runs every task in the plan and aggregates the results. It
// returns an error only when the plan is empty or every sub-task failed;
// otherwise partial failures are reported in the response and the
// aggregate is built from the completed subset.
func (e *Executor) Execute(ctx context.Context, plan *ExecutionPlan) (*Response, error) {
	if plan == nil || len(plan.Tasks) == 0 {
		return nil, domain.ErrInvalidRequest("execution plan has no tasks")
	}
	if plan.Strategy == domain.StrategyDirect || plan.Strategy == domain.StrategyEscalate {
		return e.handBack(plan), nil
	}

	start := time.Now()
	results := make([]SubTaskResult, len(plan.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	if e.MaxConcurrent > 0 {
		g.SetLimit(e.MaxConcurrent)
	}
	for i := range plan.Tasks {
		g.Go(func() error {
			results[i] = e.runTask(gctx, plan.Tasks[i])
			// Failures are recorded in the slot, never propagated: a
			// returned error would cancel sibling sub-tasks.
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{
		PlanID:   plan.ID,
		Strategy: plan.Strategy,
		SubTasks: results,
	}
	for _, r := range results {
		if r.Status == StatusComplete {
			resp.Completed++
		} else {
			resp.Failed++
		}
		resp.Usage = resp.Usage.Add(r.Usage)
		resp.Cost = resp.Cost.Add(r.Cost)
	}
	resp.Summary = fmt.Sprintf("%d of %d sub-tasks completed", resp.Completed, len(plan.Tasks))

	if resp.Completed == 0 {
		e.logger.Error("all sub-tasks failed", "plan_id", plan.ID, "tasks", len(plan.Tasks))
		// Keep the sub-task classification so callers can tell a
		// retryable outage from, say, a bad key.
		errType := results[len(results)-1].ErrorType
		if errType == "" {
			errType = domain.ErrorTypeServer
		}
		return nil, domain.NewClassifiedError(errType, fmt.Sprintf("all %d sub-tasks failed", len(plan.Tasks)))
	}

	e.aggregate(ctx, plan, resp)
	resp.LatencyMS = time.Since(start).Milliseconds()

	e.logger.Info("plan executed",
		"plan_id", plan.ID,
		"strategy", plan.Strategy,
		"completed", resp.Completed,
		"failed", resp.Failed,
		"cost_usd", resp.Cost.TotalCost,
	)
	return resp, nil
}

// handBack builds the response for strategies that perform no adapter
// call: a direct plan returns the task to the caller with the recommended
// model, an escalate plan parks it for human review. The single sub-task
// stays pending.
func (e *Executor) handBack(plan *ExecutionPlan) *Response {
	t := plan.Tasks[0]
	resp := &Response{
		PlanID:   plan.ID,
		Strategy: plan.Strategy,
		SubTasks: []SubTaskResult{{PlanTask: t, Status: StatusPending}},
	}
	if plan.Strategy == domain.StrategyEscalate {
		resp.Result = "This task requires human review and was not executed automatically: " + plan.Task
		resp.Summary = "escalated, awaiting human review"
	} else {
		resp.Result = "Handle this task directly with " + t.Model + ": " + plan.Task
		resp.Summary = "returned to caller for direct handling with " + t.Model
	}
	e.logger.Info("plan handed back without execution",
		"plan_id", plan.ID,
		"strategy", plan.Strategy,
	)
	return resp
}

func (e *Executor) runTask(ctx context.Context, t PlanTask) SubTaskResult {
	res := SubTaskResult{PlanTask: t, Status: StatusRunning}
	started := time.Now()

	adapter, err := e.resolver.ForModel(t.Model)
	if err != nil {
		return e.fail(res, started, err)
	}

	req := &domain.UnifiedRequest{
		Model:    t.Model,
		Messages: taskMessages(t),
	}
	out, err := adapter.Execute(ctx, req)
	if err != nil {
		return e.fail(res, started, err)
	}

	res.Status = StatusComplete
	res.Result = out.Text()
	res.Usage = out.Usage
	res.Cost = out.Cost
	res.LatencyMS = time.Since(started).Milliseconds()
	return res
}

func (e *Executor) fail(res SubTaskResult, started time.Time, err error) SubTaskResult {
	cerr := domain.Classify(err)
	res.Status = StatusError
	res.Error = cerr.Message
	res.ErrorType = cerr.Type
	res.LatencyMS = time.Since(started).Milliseconds()
	e.logger.Warn("sub-task failed",
		"task_id", res.ID,
		"model", res.Model,
		"error_type", cerr.Type,
	)
	return res
}

func taskMessages(t PlanTask) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, 2)
	if t.SystemPrompt != "" {
		msgs = append(msgs, domain.ChatMessage{
			Role:    domain.RoleSystem,
			Content: domain.NewTextContent(t.SystemPrompt),
		})
	}
	msgs = append(msgs, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: domain.NewTextContent(t.Task),
	})
	return msgs
}

// aggregate fills resp.Result from the completed sub-tasks using the
// plan's aggregation method. Synthesis failures degrade to merge rather
// than discarding completed work.
func (e *Executor) aggregate(ctx context.Context, plan *ExecutionPlan, resp *Response) {
	completed := completedInOrder(resp.SubTasks)

	switch plan.Aggregation.Method {
	case AggregateSelectBest:
		resp.Result = selectBest(completed)
	case AggregateSynthesize:
		out, err := e.synthesize(ctx, plan, completed)
		if err != nil {
			e.logger.Warn("synthesis failed, merging sub-task results",
				"plan_id", plan.ID,
				"error_type", domain.Classify(err).Type,
			)
			resp.Result = merge(completed)
			return
		}
		resp.Result = out.Text()
		resp.Usage = resp.Usage.Add(out.Usage)
		resp.Cost = resp.Cost.Add(out.Cost)
	default:
		resp.Result = merge(completed)
	}
}

func completedInOrder(results []SubTaskResult) []SubTaskResult {
	out := make([]SubTaskResult, 0, len(results))
	for _, r := range results {
		if r.Status == StatusComplete {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func merge(completed []SubTaskResult) string {
	var b strings.Builder
	for i, r := range completed {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Part %d (%s)\n\n%s", r.ID, r.Model, r.Result)
	}
	return b.String()
}

// selectBest picks the highest-priority completed result; among equal
// priorities the longest result wins, then the lowest task ID. The rule
// is deterministic so repeated runs over identical results agree.
func selectBest(completed []SubTaskResult) string {
	if len(completed) == 0 {
		return ""
	}
	best := completed[0]
	for _, r := range completed[1:] {
		switch {
		case r.Priority > best.Priority:
			best = r
		case r.Priority == best.Priority && len(r.Result) > len(best.Result):
			best = r
		}
	}
	return best.Result
}

func (e *Executor) synthesize(ctx context.Context, plan *ExecutionPlan, completed []SubTaskResult) (*domain.UnifiedResponse, error) {
	model := plan.Aggregation.AggregatorModel
	adapter, err := e.resolver.ForModel(model)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Combine the following sub-task results into one coherent answer to the original task.\n\nOriginal task: %s\n", plan.Task)
	for _, r := range completed {
		fmt.Fprintf(&b, "\n--- Result %d ---\n%s\n", r.ID, r.Result)
	}

	req := &domain.UnifiedRequest{
		Model: model,
		Messages: []domain.ChatMessage{{
			Role:    domain.RoleUser,
			Content: domain.NewTextContent(b.String()),
		}},
	}
	return adapter.Execute(ctx, req)
}

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitllm/conduit/internal/domain"
)

// fakeAdapter answers every model with a canned reply, or fails models
// listed in failWith.
type fakeAdapter struct {
	name     string
	reply    string
	failWith map[string]*domain.ClassifiedError

	mu    sync.Mutex
	calls []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Execute(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Model)
	f.mu.Unlock()
	if err, ok := f.failWith[req.Model]; ok {
		return nil, err
	}
	return &domain.UnifiedResponse{
		ID:       "resp_" + req.Model,
		Model:    req.Model,
		Provider: f.name,
		Choices: []domain.Choice{{
			Message:      domain.ChatMessage{Role: domain.RoleAssistant, Content: domain.NewTextContent(f.reply)},
			FinishReason: domain.FinishStop,
		}},
		Usage: domain.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		Cost:  domain.CostBreakdown{InputCost: 0.001, OutputCost: 0.002, TotalCost: 0.003, Currency: domain.CurrencyUSD},
	}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req *domain.UnifiedRequest) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, 1)
	ch <- domain.StreamChunk{Delta: f.reply, FinishReason: domain.FinishStop}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) CalculateCost(usage domain.TokenUsage, model string) (domain.CostBreakdown, error) {
	return domain.CostBreakdown{Currency: domain.CurrencyUSD}, nil
}

func (f *fakeAdapter) ValidateAPIKey(key string) bool { return true }

func (f *fakeAdapter) ListModels(ctx context.Context) (*domain.ModelList, error) {
	return &domain.ModelList{Object: "list"}, nil
}

type fakeResolver struct {
	adapter *fakeAdapter
}

func (r *fakeResolver) ForModel(model string) (domain.ProviderAdapter, error) {
	return r.adapter, nil
}

func threeTaskPlan() *ExecutionPlan {
	return &ExecutionPlan{
		ID:       "plan_test",
		Task:     "build a landing page",
		Strategy: domain.StrategyParallel,
		Tasks: []PlanTask{
			{ID: 1, Task: "analyze", Model: "model-a", Provider: "fake", Priority: 3},
			{ID: 2, Task: "implement", Model: "model-b", Provider: "fake", Priority: 2},
			{ID: 3, Task: "test", Model: "model-c", Provider: "fake", Priority: 1},
		},
		Aggregation: Aggregation{Method: AggregateMerge},
	}
}

func TestExecuteDirectHandsBack(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", reply: "never"}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	resp, err := e.Execute(context.Background(), &ExecutionPlan{
		ID:       "plan_direct",
		Task:     "say hello",
		Strategy: domain.StrategyDirect,
		Tasks:    []PlanTask{{ID: 1, Task: "say hello", Model: "model-a", Priority: 1}},
	})
	require.NoError(t, err)

	assert.Empty(t, adapter.calls, "direct plans must not reach an adapter")
	require.Len(t, resp.SubTasks, 1)
	assert.Equal(t, StatusPending, resp.SubTasks[0].Status)
	assert.Contains(t, resp.Result, "model-a")
	assert.Zero(t, resp.Completed)
}

func TestExecuteEscalateHandsBack(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", reply: "never"}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	resp, err := e.Execute(context.Background(), &ExecutionPlan{
		ID:       "plan_escalate",
		Task:     "delete all production records",
		Strategy: domain.StrategyEscalate,
		Tasks:    []PlanTask{{ID: 1, Task: "delete all production records", Model: "claude-opus-4", Priority: 1}},
	})
	require.NoError(t, err)

	assert.Empty(t, adapter.calls, "escalated plans must not reach an adapter")
	require.Len(t, resp.SubTasks, 1)
	assert.Equal(t, StatusPending, resp.SubTasks[0].Status)
	assert.Contains(t, resp.Summary, "human review")
}

func TestExecuteAllComplete(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", reply: "done"}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	resp, err := e.Execute(context.Background(), threeTaskPlan())
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Completed)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, "3 of 3 sub-tasks completed", resp.Summary)
	assert.Equal(t, 90, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.009, resp.Cost.TotalCost, 1e-9)

	// Merge keeps task order regardless of completion order.
	first := strings.Index(resp.Result, "Part 1")
	second := strings.Index(resp.Result, "Part 2")
	third := strings.Index(resp.Result, "Part 3")
	assert.True(t, first < second && second < third, "merged output out of order: %q", resp.Result)
}

func TestExecutePartialFailure(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "fake",
		reply: "done",
		failWith: map[string]*domain.ClassifiedError{
			"model-b": domain.ErrRateLimit("throttled"),
		},
	}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	resp, err := e.Execute(context.Background(), threeTaskPlan())
	require.NoError(t, err, "partial failure must still yield a response")

	assert.Equal(t, 2, resp.Completed)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "2 of 3 sub-tasks completed", resp.Summary)

	// Siblings of the failed task were not cancelled.
	assert.Len(t, adapter.calls, 3)

	var failed *SubTaskResult
	for i := range resp.SubTasks {
		if resp.SubTasks[i].Status == StatusError {
			failed = &resp.SubTasks[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, domain.ErrorTypeRateLimit, failed.ErrorType)
	assert.Equal(t, 2, failed.ID)
}

func TestExecuteAllFailed(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "fake",
		reply: "done",
		failWith: map[string]*domain.ClassifiedError{
			"model-a": domain.ErrServer("boom"),
			"model-b": domain.ErrServer("boom"),
			"model-c": domain.ErrServer("boom"),
		},
	}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	_, err := e.Execute(context.Background(), threeTaskPlan())
	require.Error(t, err)
	cerr, ok := domain.IsClassified(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorTypeServer, cerr.Type)
}

func TestExecuteAllFailedKeepsClassification(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "fake",
		reply: "done",
		failWith: map[string]*domain.ClassifiedError{
			"model-a": domain.ErrAuth("bad key"),
			"model-b": domain.ErrAuth("bad key"),
			"model-c": domain.ErrAuth("bad key"),
		},
	}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	_, err := e.Execute(context.Background(), threeTaskPlan())
	require.Error(t, err)
	cerr, ok := domain.IsClassified(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorTypeAuth, cerr.Type, "a bad key must not resurface as a server error")
	assert.False(t, cerr.Retryable)
}

func TestExecuteSynthesize(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", reply: "synthesized answer"}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	plan := threeTaskPlan()
	plan.Aggregation = Aggregation{Method: AggregateSynthesize, AggregatorModel: "aggregator"}

	resp, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, "synthesized answer", resp.Result)
	// Three sub-tasks plus the synthesis call.
	assert.Len(t, adapter.calls, 4)
	assert.Contains(t, adapter.calls, "aggregator")
	// Synthesis usage is counted toward the aggregate.
	assert.Equal(t, 120, resp.Usage.TotalTokens)
}

func TestExecuteSynthesizeDegradesToMerge(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "fake",
		reply: "done",
		failWith: map[string]*domain.ClassifiedError{
			"aggregator": domain.ErrModelUnavailable("aggregator offline"),
		},
	}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	plan := threeTaskPlan()
	plan.Aggregation = Aggregation{Method: AggregateSynthesize, AggregatorModel: "aggregator"}

	resp, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Completed)
	assert.Contains(t, resp.Result, "Part 1")
}

func TestExecuteSelectBest(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", reply: "winner"}
	e := NewExecutor(&fakeResolver{adapter: adapter}, nil)

	plan := threeTaskPlan()
	plan.Aggregation = Aggregation{Method: AggregateSelectBest}

	resp, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "winner", resp.Result)
}

func TestExecuteEmptyPlan(t *testing.T) {
	e := NewExecutor(&fakeResolver{adapter: &fakeAdapter{name: "fake"}}, nil)
	_, err := e.Execute(context.Background(), &ExecutionPlan{ID: "plan_empty"})
	require.Error(t, err)
	cerr, _ := domain.IsClassified(err)
	assert.Equal(t, domain.ErrorTypeInvalidRequest, cerr.Type)
}

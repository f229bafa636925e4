// Package gateway is the public facade of the conduit LLM gateway. It
// validates unified requests, routes them to a provider adapter, applies
// fallback chains on retryable failures, and accounts usage.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduitllm/conduit/internal/config"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/fallback"
	"github.com/conduitllm/conduit/internal/orchestrator"
	"github.com/conduitllm/conduit/internal/pricing"
	"github.com/conduitllm/conduit/internal/provider"
	"github.com/conduitllm/conduit/internal/routing"
	"github.com/conduitllm/conduit/internal/tokens"
	"github.com/conduitllm/conduit/internal/usage"
)

// ModelAuto lets the routing engine pick the model.
const ModelAuto = "auto"

// Resolver resolves models and providers to adapters. Satisfied by
// provider.Registry.
type Resolver interface {
	Get(name string) (domain.ProviderAdapter, error)
	ForModel(model string) (domain.ProviderAdapter, error)
	ListModels(ctx context.Context) *domain.ModelList
}

// Gateway wires the routing engine, provider registry, fallback manager,
// orchestrator, and usage accountant behind one API. Safe for concurrent
// use.
type Gateway struct {
	cfg        *config.Config
	resolver   Resolver
	engine     *routing.Engine
	planner    *orchestrator.Planner
	executor   *orchestrator.Executor
	fallbacks  *fallback.Manager
	accountant *usage.Accountant
	estimator  *tokens.Estimator
	validate   *validator.Validate
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithResolver overrides the provider registry, mainly for tests.
func WithResolver(r Resolver) Option {
	return func(g *Gateway) { g.resolver = r }
}

// WithMetrics registers the accountant's prometheus collectors.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(g *Gateway) { g.accountant = usage.NewAccountant(reg) }
}

// New builds a gateway from configuration.
func New(cfg *config.Config, opts ...Option) *Gateway {
	estimator := tokens.NewEstimator()
	g := &Gateway{
		cfg:        cfg,
		engine:     routing.NewEngine(estimator),
		planner:    orchestrator.NewPlanner(cfg.Routing, estimator),
		fallbacks:  fallback.NewManager(cfg.Fallback),
		accountant: usage.NewAccountant(nil),
		estimator:  estimator,
		validate:   validator.New(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("conduit/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.resolver == nil {
		g.resolver = provider.NewRegistry(cfg.Providers)
	}
	g.executor = orchestrator.NewExecutor(g.resolver, g.logger)
	return g
}

// Route validates and executes a unified request against a single
// provider. A model of "auto" is resolved by the routing engine. No
// provider call is made for an invalid request.
func (g *Gateway) Route(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.route")
	defer span.End()

	decision, err := g.prepare(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model", req.Model),
		attribute.String("strategy", string(decision.Strategy)),
	)

	resp, err := g.execute(ctx, req)
	if err != nil {
		cerr := domain.Classify(err)
		g.accountant.RecordError(cerr.Type)
		return nil, cerr
	}
	resp.Routing = &domain.RoutingMetadata{
		SelectedProvider: resp.Provider,
		Reason:           decision.Reason,
	}
	return resp, nil
}

// RouteWithFallback behaves like Route but, when the primary model fails
// with a retryable classified error, walks one fallback chain before
// giving up. A fallback-served response is tagged in its routing
// metadata.
func (g *Gateway) RouteWithFallback(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.route_fallback")
	defer span.End()

	decision, err := g.prepare(req)
	if err != nil {
		return nil, err
	}

	resp, primaryErr := g.execute(ctx, req)
	if primaryErr == nil {
		resp.Routing = &domain.RoutingMetadata{
			SelectedProvider: resp.Provider,
			Reason:           decision.Reason,
		}
		return resp, nil
	}

	cerr := domain.Classify(primaryErr)
	g.accountant.RecordError(cerr.Type)

	chain := g.fallbacks.SelectChain(fallback.ChainRequest{
		Task:    taskText(req),
		MaxCost: maxCost(req),
	}, cerr)
	if chain == nil {
		return nil, cerr
	}

	failed := req.Model
	for _, model := range chain.Models {
		if model == failed {
			continue
		}
		if _, rerr := g.resolver.ForModel(model); rerr != nil {
			continue
		}

		retry := *req
		retry.Model = model
		out, rerr := g.execute(ctx, &retry)
		if rerr != nil {
			g.accountant.RecordError(domain.Classify(rerr).Type)
			continue
		}

		g.accountant.RecordFallback()
		g.logger.Info("request served via fallback",
			"chain", chain.Name,
			"failed_model", failed,
			"model", model,
			"error_type", cerr.Type,
		)
		out.Routing = &domain.RoutingMetadata{
			SelectedProvider: out.Provider,
			Reason:           decision.Reason,
			FallbackUsed:     true,
			FallbackReason:   fmt.Sprintf("%s on %s, retried via %s chain", cerr.Type, failed, chain.Name),
		}
		return out, nil
	}
	return nil, cerr
}

// Stream validates and opens a streaming call. The channel is closed by
// the adapter after the terminal chunk.
func (g *Gateway) Stream(ctx context.Context, req *domain.UnifiedRequest) (<-chan domain.StreamChunk, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.stream")
	defer span.End()

	if _, err := g.prepare(req); err != nil {
		return nil, err
	}
	adapter, err := g.resolver.ForModel(req.Model)
	if err != nil {
		g.accountant.RecordError(domain.Classify(err).Type)
		return nil, err
	}
	span.SetAttributes(attribute.String("model", req.Model))
	return adapter.Stream(ctx, req)
}

// Plan validates an orchestration request and returns its execution plan
// without running it.
func (g *Gateway) Plan(req *orchestrator.Request) (*orchestrator.ExecutionPlan, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, domain.ErrInvalidRequest("task is required and must be at most 2000 characters")
	}
	decision := g.engine.Decide(req.Task, req.Constraints)
	return g.planner.BuildPlan(req.Task, decision), nil
}

// Orchestrate plans and executes a task. When req.PlanOnly is set the
// plan is returned with a nil response. A plan that fails outright with
// a retryable error gets one round of whole-task fallback before the
// error is surfaced.
func (g *Gateway) Orchestrate(ctx context.Context, req *orchestrator.Request) (*orchestrator.ExecutionPlan, *orchestrator.Response, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.orchestrate")
	defer span.End()

	plan, err := g.Plan(req)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("plan_id", plan.ID),
		attribute.String("strategy", string(plan.Strategy)),
		attribute.Int("tasks", len(plan.Tasks)),
	)
	if req.PlanOnly {
		return plan, nil, nil
	}

	if req.Constraints != nil && req.Constraints.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Constraints.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	resp, err := g.executor.Execute(ctx, plan)
	if err != nil {
		cerr := domain.Classify(err)
		g.accountant.RecordError(cerr.Type)
		resp, cerr = g.retryPlan(ctx, plan, req, cerr)
		if resp == nil {
			return plan, nil, cerr
		}
	}
	for _, st := range resp.SubTasks {
		if st.Status == orchestrator.StatusComplete {
			g.accountant.Record(st.Model, st.Provider, st.Usage, st.Cost, st.LatencyMS)
		} else if st.ErrorType != "" {
			g.accountant.RecordError(st.ErrorType)
		}
	}
	return plan, resp, nil
}

// retryPlan gives a failed plan one round of whole-task fallback. The
// original task runs as a single call on each eligible chain model;
// sub-tasks are never retried individually. Returns the fallback
// response, or nil with the last classified error when the chain is
// exhausted or the error is not retryable.
func (g *Gateway) retryPlan(ctx context.Context, plan *orchestrator.ExecutionPlan, req *orchestrator.Request, cerr *domain.ClassifiedError) (*orchestrator.Response, *domain.ClassifiedError) {
	chain := g.fallbacks.SelectChain(fallback.ChainRequest{
		Task:    plan.Task,
		MaxCost: planMaxCost(req),
	}, cerr)
	if chain == nil {
		return nil, cerr
	}

	failed := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		failed[t.Model] = true
	}

	last := cerr
	for _, model := range chain.Models {
		if failed[model] {
			continue
		}
		if _, rerr := g.resolver.ForModel(model); rerr != nil {
			continue
		}

		retry := &orchestrator.ExecutionPlan{
			ID:            plan.ID,
			Task:          plan.Task,
			Strategy:      domain.StrategyDelegate,
			Complexity:    plan.Complexity,
			EstimatedCost: plan.EstimatedCost,
			Tasks: []orchestrator.PlanTask{{
				ID:       1,
				Task:     plan.Task,
				Model:    model,
				Provider: pricing.ProviderFor(model),
				Priority: 1,
			}},
			Aggregation: orchestrator.Aggregation{Method: orchestrator.AggregateMerge},
		}
		out, rerr := g.executor.Execute(ctx, retry)
		if rerr != nil {
			last = domain.Classify(rerr)
			g.accountant.RecordError(last.Type)
			continue
		}

		g.accountant.RecordFallback()
		g.logger.Info("plan retried via fallback",
			"plan_id", plan.ID,
			"chain", chain.Name,
			"model", model,
			"error_type", cerr.Type,
		)
		return out, nil
	}
	return nil, last
}

func planMaxCost(req *orchestrator.Request) domain.CostTier {
	if req.Constraints == nil {
		return ""
	}
	return req.Constraints.MaxCost
}

// ListModels merges the model listings of every configured provider.
func (g *Gateway) ListModels(ctx context.Context) *domain.ModelList {
	return g.resolver.ListModels(ctx)
}

// Stats returns a snapshot of accumulated usage.
func (g *Gateway) Stats() usage.Stats { return g.accountant.Snapshot() }

// ResetStats zeroes the usage accountant.
func (g *Gateway) ResetStats() { g.accountant.Reset() }

// prepare validates the request and resolves "auto" to a concrete model.
// The returned decision explains the choice; for explicit models it
// carries only the model and provider.
func (g *Gateway) prepare(req *domain.UnifiedRequest) (routing.Decision, error) {
	if err := req.Validate(); err != nil {
		return routing.Decision{}, err
	}
	if blocked(req) {
		return routing.Decision{}, domain.ErrModelUnavailable(
			fmt.Sprintf("provider for model %s is blocked by request preferences", req.Model))
	}

	if req.Model != ModelAuto {
		if err := g.checkCapabilities(req); err != nil {
			return routing.Decision{}, err
		}
		return routing.Decision{
			Strategy:      domain.StrategyDirect,
			SelectedModel: req.Model,
			Reason:        "model selected by caller",
		}, nil
	}

	decision := g.engine.Decide(taskText(req), constraintsOf(req))
	if decision.SelectedModel == "" {
		decision.SelectedModel = g.cfg.Routing.DefaultModel
		decision.Provider = pricing.ProviderFor(decision.SelectedModel)
	}
	req.Model = decision.SelectedModel
	g.logger.Debug("auto model resolved",
		"model", decision.SelectedModel,
		"strategy", decision.Strategy,
		"complexity", decision.Complexity,
	)
	if err := g.checkCapabilities(req); err != nil {
		return routing.Decision{}, err
	}
	return decision, nil
}

// defaultCompletionAllowance stands in for MaxTokens in worst-case cost
// estimates when the caller left it unset.
const defaultCompletionAllowance = 1024

// checkCapabilities refuses requests the chosen model cannot serve:
// image content on a text-only model, a prompt plus completion budget
// exceeding the model's context window, or a worst-case cost above the
// request's budget cap. Models absent from the capability table pass
// through; the provider is the authority then.
func (g *Gateway) checkCapabilities(req *domain.UnifiedRequest) error {
	p, ok := pricing.Lookup(req.Model)
	if !ok {
		return nil
	}
	if req.HasImages() && !p.Vision {
		return domain.ErrInvalidRequest(
			fmt.Sprintf("model %s does not accept image input", req.Model))
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += g.estimator.EstimateText(req.Model, m.Content.String())
	}
	completion := req.MaxTokens
	if completion == 0 {
		completion = defaultCompletionAllowance
	}
	if prompt+completion > p.ContextWindow {
		return domain.ErrInvalidRequest(
			fmt.Sprintf("estimated %d tokens exceed the %d token context window of %s", prompt+completion, p.ContextWindow, req.Model))
	}

	if req.Budget != nil && req.Budget.MaxCostUSD > 0 {
		worst := float64(prompt)/1e6*p.InputPerMTok + float64(completion)/1e6*p.OutputPerMTok
		if worst > req.Budget.MaxCostUSD {
			return domain.ErrInvalidRequest(
				fmt.Sprintf("worst-case cost $%.4f on %s exceeds the $%.4f budget", worst, req.Model, req.Budget.MaxCostUSD))
		}
	}
	return nil
}

// execute performs one provider call with timing, cost already attached
// by the adapter, and usage accounting.
func (g *Gateway) execute(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	adapter, err := g.resolver.ForModel(req.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := adapter.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Latency.TotalMS = time.Since(start).Milliseconds()
	if resp.Latency.ProviderMS == 0 {
		resp.Latency.ProviderMS = resp.Latency.TotalMS
	}

	g.accountant.Record(resp.Model, resp.Provider, resp.Usage, resp.Cost, resp.Latency.TotalMS)
	if req.Budget != nil && req.Budget.TrackingID != "" {
		g.logger.Debug("budgeted request complete",
			"tracking_id", req.Budget.TrackingID,
			"cost_usd", resp.Cost.TotalCost,
		)
	}
	return resp, nil
}

// taskText returns the last user message as the routing task text.
func taskText(req *domain.UnifiedRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return req.Messages[i].Content.String()
		}
	}
	return ""
}

func constraintsOf(req *domain.UnifiedRequest) *routing.Constraints {
	if req.Routing == nil {
		return nil
	}
	return &routing.Constraints{
		MaxCost:           req.Routing.MaxCost,
		PreferredProvider: req.Routing.PreferredProvider,
		MaxLatencyMS:      req.Routing.MaxLatencyMS,
	}
}

func maxCost(req *domain.UnifiedRequest) domain.CostTier {
	if req.Routing == nil {
		return ""
	}
	return req.Routing.MaxCost
}

func blocked(req *domain.UnifiedRequest) bool {
	if req.Routing == nil || len(req.Routing.BlockedProviders) == 0 || req.Model == ModelAuto {
		return false
	}
	name := pricing.ProviderFor(req.Model)
	return name != "" && slices.Contains(req.Routing.BlockedProviders, name)
}

// Package openai adapts the unified schema to the OpenAI Chat Completions API.
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	openaiapi "github.com/conduitllm/conduit/internal/api/openai"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/pricing"
)

// ProviderOption configures the adapter.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// Provider implements domain.ProviderAdapter for OpenAI.
type Provider struct {
	client     *openaiapi.Client
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI adapter.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []openaiapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, openaiapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, openaiapi.WithHTTPClient(p.httpClient))
	}
	p.client = openaiapi.NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string { return "openai" }

// ValidateAPIKey checks the vendor key shape without a network call.
func (p *Provider) ValidateAPIKey(key string) bool {
	return strings.HasPrefix(key, "sk-") && len(key) > 20
}

// CalculateCost prices exact usage against the static pricing table.
func (p *Provider) CalculateCost(usage domain.TokenUsage, model string) (domain.CostBreakdown, error) {
	return pricing.Cost(usage, model)
}

func (p *Provider) Execute(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	apiReq := toAPIRequest(req)

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	out := toUnifiedResponse(resp)
	out.Latency = domain.LatencyMetrics{TotalMS: elapsed, ProviderMS: elapsed}
	cost, err := p.CalculateCost(out.Usage, req.Model)
	if err != nil {
		return nil, err
	}
	out.Cost = cost
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.UnifiedRequest) (<-chan domain.StreamChunk, error) {
	apiReq := toAPIRequest(req)

	stream, err := p.client.StreamChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)

		var (
			id     string
			finish = domain.FinishStop
			usage  *domain.TokenUsage
			// tool call accumulation, keyed by delta index
			tools = map[int]*domain.ToolCall{}
			order []int
		)

		flushTools := func() {
			for _, idx := range order {
				out <- domain.StreamChunk{ID: id, Model: req.Model, Provider: p.Name(), ToolCall: tools[idx]}
			}
			tools = map[int]*domain.ToolCall{}
			order = nil
		}

		for result := range stream {
			if result.Err != nil {
				out <- domain.StreamChunk{Provider: p.Name(), Err: result.Err}
				return
			}
			chunk := result.Chunk
			if chunk.ID != "" {
				id = chunk.ID
			}
			if chunk.Usage != nil {
				usage = &domain.TokenUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- domain.StreamChunk{ID: id, Model: req.Model, Provider: p.Name(), Delta: choice.Delta.Content}
				}
				for _, td := range choice.Delta.ToolCalls {
					tc, ok := tools[td.Index]
					if !ok {
						tc = &domain.ToolCall{Type: "function"}
						tools[td.Index] = tc
						order = append(order, td.Index)
					}
					if td.ID != "" {
						tc.ID = td.ID
					}
					if td.Function.Name != "" {
						tc.Function.Name = td.Function.Name
					}
					tc.Function.Arguments += td.Function.Arguments
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					finish = mapFinishReason(*choice.FinishReason)
				}
			}
		}

		flushTools()
		out <- domain.StreamChunk{ID: id, Model: req.Model, Provider: p.Name(), FinishReason: finish, Usage: usage}
	}()

	return out, nil
}

func (p *Provider) ListModels(ctx context.Context) (*domain.ModelList, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	models := make([]domain.Model, len(resp.Data))
	for i, m := range resp.Data {
		models[i] = domain.Model{ID: m.ID, Provider: p.Name(), OwnedBy: m.OwnedBy, Created: m.Created}
	}
	return &domain.ModelList{Object: "list", Data: models}, nil
}

// toAPIRequest translates a unified request into the Chat Completions wire
// format. The unified schema already mirrors this API closely; the work is
// content-part conversion and tool plumbing.
func toAPIRequest(req *domain.UnifiedRequest) *openaiapi.ChatCompletionRequest {
	messages := make([]openaiapi.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openaiapi.ChatCompletionMessage{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
		}
		msg.Content = toContent(m.Content)
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openaiapi.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiapi.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openaiapi.Tool{
			Type: "function",
			Function: openaiapi.FunctionTool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return apiReq
}

func toContent(mc domain.MessageContent) any {
	if mc.IsSimpleText() {
		if mc.Text == "" {
			return nil
		}
		return mc.Text
	}

	var parts []openaiapi.ContentPart
	for _, part := range mc.Parts {
		switch part.Type {
		case domain.ContentTypeText:
			parts = append(parts, openaiapi.ContentPart{Type: "text", Text: part.Text})
		case domain.ContentTypeImage:
			if part.Source != nil {
				// inline base64 rides as a data URI
				parts = append(parts, openaiapi.ContentPart{
					Type: "image_url",
					ImageURL: &openaiapi.ImageURL{
						URL: "data:" + part.Source.MediaType + ";base64," + part.Source.Data,
					},
				})
			}
		case domain.ContentTypeImageURL:
			if part.ImageURL != nil {
				parts = append(parts, openaiapi.ContentPart{
					Type:     "image_url",
					ImageURL: &openaiapi.ImageURL{URL: part.ImageURL.URL, Detail: part.ImageURL.Detail},
				})
			}
		}
	}
	return parts
}

func toUnifiedResponse(resp *openaiapi.ChatCompletionResponse) *domain.UnifiedResponse {
	choices := make([]domain.Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msg := domain.ChatMessage{
			Role:    c.Message.Role,
			Content: domain.NewTextContent(c.Message.Content),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: domain.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices = append(choices, domain.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: mapFinishReason(c.FinishReason),
		})
	}

	return &domain.UnifiedResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "openai",
		Choices:  choices,
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

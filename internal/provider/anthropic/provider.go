// Package anthropic adapts the unified schema to the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	anthropicapi "github.com/conduitllm/conduit/internal/api/anthropic"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/pricing"
)

const defaultMaxTokens = 1024

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

// Provider implements domain.ProviderAdapter for Anthropic.
type Provider struct {
	client     *anthropicapi.Client
	baseURL    string
	httpClient *http.Client
}

// New creates a new Anthropic adapter.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []anthropicapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, anthropicapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, anthropicapi.WithHTTPClient(p.httpClient))
	}
	p.client = anthropicapi.NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string { return "anthropic" }

// ValidateAPIKey checks the vendor key shape without a network call.
func (p *Provider) ValidateAPIKey(key string) bool {
	return strings.HasPrefix(key, "sk-ant-") && len(key) > 20
}

// CalculateCost prices exact usage against the static pricing table.
func (p *Provider) CalculateCost(usage domain.TokenUsage, model string) (domain.CostBreakdown, error) {
	return pricing.Cost(usage, model)
}

func (p *Provider) Execute(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	apiReq := toAPIRequest(req)

	start := time.Now()
	resp, err := p.client.CreateMessage(ctx, apiReq)
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

	stream, err := p.client.StreamMessage(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)

		var (
			id           string
			inputTokens  int
			outputTokens int
			finish       = domain.FinishStop
			// tool_use block accumulation, keyed by block index
			toolID   string
			toolName string
			toolArgs strings.Builder
		)

		for result := range stream {
			if result.Err != nil {
				out <- domain.StreamChunk{Provider: p.Name(), Err: result.Err}
				return
			}

			switch result.EventType {
			case "message_start":
				var ev anthropicapi.MessageStartEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				id = ev.Message.ID
				inputTokens = ev.Message.Usage.InputTokens

			case "content_block_start":
				var ev anthropicapi.ContentBlockStartEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				if ev.ContentBlock.Type == "tool_use" {
					toolID = ev.ContentBlock.ID
					toolName = ev.ContentBlock.Name
					toolArgs.Reset()
				}

			case "content_block_delta":
				var ev anthropicapi.ContentBlockDeltaEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					out <- domain.StreamChunk{ID: id, Model: req.Model, Provider: p.Name(), Delta: ev.Delta.Text}
				case "input_json_delta":
					toolArgs.WriteString(ev.Delta.PartialJSON)
				}

			case "content_block_stop":
				if toolID != "" {
					out <- domain.StreamChunk{
						ID: id, Model: req.Model, Provider: p.Name(),
						ToolCall: &domain.ToolCall{
							ID:   toolID,
							Type: "function",
							Function: domain.FunctionCall{
								Name:      toolName,
								Arguments: toolArgs.String(),
							},
						},
					}
					toolID, toolName = "", ""
					toolArgs.Reset()
				}

			case "message_delta":
				var ev anthropicapi.MessageDeltaEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				if ev.Delta.StopReason != "" {
					finish = mapStopReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					outputTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				out <- domain.StreamChunk{
					ID: id, Model: req.Model, Provider: p.Name(),
					FinishReason: finish,
					Usage: &domain.TokenUsage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				}
				return
			}
		}
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
		created := int64(0)
		if m.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
				created = t.Unix()
			}
		}
		models[i] = domain.Model{ID: m.ID, Provider: p.Name(), Created: created}
	}
	return &domain.ModelList{Object: "list", Data: models}, nil
}

// toAPIRequest translates a unified request into the Anthropic wire format.
// System messages move to the dedicated system field; tool messages become
// user turns carrying tool_result blocks; external image URLs degrade to a
// textual placeholder since the API only accepts inline data.
func toAPIRequest(req *domain.UnifiedRequest) *anthropicapi.MessagesRequest {
	var system anthropicapi.SystemMessages
	var messages []anthropicapi.Message

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, anthropicapi.SystemBlock{Type: "text", Text: m.Content.String()})

		case domain.RoleTool:
			messages = append(messages, anthropicapi.Message{
				Role: "user",
				Content: []anthropicapi.ContentPart{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content.String(),
				}},
			})

		case domain.RoleUser, domain.RoleAssistant:
			blocks := toContentBlocks(m.Content)
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicapi.ContentPart{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(tc.Function.Arguments),
				})
			}
			messages = append(messages, anthropicapi.Message{Role: m.Role, Content: blocks})
		}
	}

	apiReq := &anthropicapi.MessagesRequest{
		Model:         req.Model,
		Messages:      messages,
		System:        system,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}

	// max_tokens is required by the API
	apiReq.MaxTokens = req.MaxTokens
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = defaultMaxTokens
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicapi.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	apiReq.ToolChoice = mapToolChoice(req.ToolChoice)

	return apiReq
}

func toContentBlocks(mc domain.MessageContent) []anthropicapi.ContentPart {
	if mc.IsSimpleText() {
		if mc.Text == "" {
			return nil
		}
		return []anthropicapi.ContentPart{{Type: "text", Text: mc.Text}}
	}

	var blocks []anthropicapi.ContentPart
	for _, part := range mc.Parts {
		switch part.Type {
		case domain.ContentTypeText:
			blocks = append(blocks, anthropicapi.ContentPart{Type: "text", Text: part.Text})
		case domain.ContentTypeImage:
			if part.Source != nil {
				blocks = append(blocks, anthropicapi.ContentPart{
					Type: "image",
					Source: &anthropicapi.ImageSource{
						Type:      "base64",
						MediaType: part.Source.MediaType,
						Data:      part.Source.Data,
					},
				})
			}
		case domain.ContentTypeImageURL:
			if part.ImageURL != nil {
				blocks = append(blocks, anthropicapi.ContentPart{
					Type: "text",
					Text: "[image: " + part.ImageURL.URL + "]",
				})
			}
		}
	}
	return blocks
}

func mapToolChoice(choice any) *anthropicapi.ToolChoice {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto":
			return &anthropicapi.ToolChoice{Type: "auto"}
		case "required":
			return &anthropicapi.ToolChoice{Type: "any"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &anthropicapi.ToolChoice{Type: "tool", Name: name}
			}
		}
	}
	return nil
}

// toUnifiedResponse normalizes an Anthropic response: text blocks are
// concatenated in order, tool_use blocks collected in emission order.
func toUnifiedResponse(resp *anthropicapi.MessagesResponse) *domain.UnifiedResponse {
	var text strings.Builder
	var toolCalls []domain.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: domain.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	return &domain.UnifiedResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "anthropic",
		Choices: []domain.Choice{{
			Index: 0,
			Message: domain.ChatMessage{
				Role:      domain.RoleAssistant,
				Content:   domain.NewTextContent(text.String()),
				ToolCalls: toolCalls,
			},
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	case "refusal":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

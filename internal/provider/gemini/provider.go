// Package gemini adapts the unified schema to the Google Generative
// Language API.
package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	geminiapi "github.com/conduitllm/conduit/internal/api/gemini"
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

// Provider implements domain.ProviderAdapter for Gemini.
type Provider struct {
	client     *geminiapi.Client
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini adapter.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []geminiapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, geminiapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, geminiapi.WithHTTPClient(p.httpClient))
	}
	p.client = geminiapi.NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string { return "gemini" }

// ValidateAPIKey checks the vendor key shape without a network call.
func (p *Provider) ValidateAPIKey(key string) bool {
	return strings.HasPrefix(key, "AIza") && len(key) >= 35
}

// CalculateCost prices exact usage against the static pricing table.
func (p *Provider) CalculateCost(usage domain.TokenUsage, model string) (domain.CostBreakdown, error) {
	return pricing.Cost(usage, model)
}

func (p *Provider) Execute(ctx context.Context, req *domain.UnifiedRequest) (*domain.UnifiedResponse, error) {
	apiReq := toAPIRequest(req)

	start := time.Now()
	resp, err := p.client.GenerateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	out := toUnifiedResponse(resp, req.Model)
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

	stream, err := p.client.StreamGenerateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, err
	}

	id := "gen-" + uuid.NewString()
	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)

		var (
			finish = domain.FinishStop
			usage  *domain.TokenUsage
		)

		for result := range stream {
			if result.Err != nil {
				out <- domain.StreamChunk{Provider: p.Name(), Err: result.Err}
				return
			}
			frame := result.Response
			if frame.UsageMetadata != nil {
				// totalTokenCount may include thought tokens; keep the
				// total consistent with prompt + completion.
				usage = &domain.TokenUsage{
					PromptTokens:     frame.UsageMetadata.PromptTokenCount,
					CompletionTokens: frame.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      frame.UsageMetadata.PromptTokenCount + frame.UsageMetadata.CandidatesTokenCount,
				}
			}
			for _, cand := range frame.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						out <- domain.StreamChunk{ID: id, Model: req.Model, Provider: p.Name(), Delta: part.Text}
					}
					if part.FunctionCall != nil {
						out <- domain.StreamChunk{
							ID: id, Model: req.Model, Provider: p.Name(),
							ToolCall: toToolCall(part.FunctionCall),
						}
					}
				}
				if cand.FinishReason != "" {
					finish = mapFinishReason(cand.FinishReason)
				}
			}
		}

		out <- domain.StreamChunk{ID: id, Model: req.Model, Provider: p.Name(), FinishReason: finish, Usage: usage}
	}()

	return out, nil
}

func (p *Provider) ListModels(ctx context.Context) (*domain.ModelList, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	var models []domain.Model
	for _, m := range resp.Models {
		// model names arrive as "models/<id>"
		id := strings.TrimPrefix(m.Name, "models/")
		models = append(models, domain.Model{ID: id, Provider: p.Name()})
	}
	return &domain.ModelList{Object: "list", Data: models}, nil
}

// toAPIRequest translates a unified request into the generateContent wire
// format. System messages move to systemInstruction; assistant turns map to
// role "model"; tool results ride as functionResponse parts. External image
// URLs degrade to a textual placeholder since the API wants inline data.
func toAPIRequest(req *domain.UnifiedRequest) *geminiapi.GenerateContentRequest {
	apiReq := &geminiapi.GenerateContentRequest{}

	var systemParts []geminiapi.Part
	// tool_call_id -> function name, needed because functionResponse is
	// keyed by name, not by call id
	callNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Function.Name
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			systemParts = append(systemParts, geminiapi.Part{Text: m.Content.String()})

		case domain.RoleTool:
			name := callNames[m.ToolCallID]
			resp, _ := json.Marshal(map[string]string{"result": m.Content.String()})
			apiReq.Contents = append(apiReq.Contents, geminiapi.Content{
				Role: "user",
				Parts: []geminiapi.Part{{
					FunctionResponse: &geminiapi.FunctionResponse{Name: name, Response: resp},
				}},
			})

		case domain.RoleUser, domain.RoleAssistant:
			role := "user"
			if m.Role == domain.RoleAssistant {
				role = "model"
			}
			parts := toParts(m.Content)
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiapi.Part{
					FunctionCall: &geminiapi.FunctionCall{
						Name: tc.Function.Name,
						Args: json.RawMessage(tc.Function.Arguments),
					},
				})
			}
			apiReq.Contents = append(apiReq.Contents, geminiapi.Content{Role: role, Parts: parts})
		}
	}

	if len(systemParts) > 0 {
		apiReq.SystemInstruction = &geminiapi.Content{Parts: systemParts}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		apiReq.GenerationConfig = &geminiapi.GenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}

	if len(req.Tools) > 0 {
		tool := geminiapi.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiapi.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		apiReq.Tools = []geminiapi.Tool{tool}
		apiReq.ToolConfig = mapToolChoice(req.ToolChoice)
	}

	return apiReq
}

func toParts(mc domain.MessageContent) []geminiapi.Part {
	if mc.IsSimpleText() {
		if mc.Text == "" {
			return nil
		}
		return []geminiapi.Part{{Text: mc.Text}}
	}

	var parts []geminiapi.Part
	for _, part := range mc.Parts {
		switch part.Type {
		case domain.ContentTypeText:
			parts = append(parts, geminiapi.Part{Text: part.Text})
		case domain.ContentTypeImage:
			if part.Source != nil {
				parts = append(parts, geminiapi.Part{
					InlineData: &geminiapi.Blob{MimeType: part.Source.MediaType, Data: part.Source.Data},
				})
			}
		case domain.ContentTypeImageURL:
			if part.ImageURL != nil {
				parts = append(parts, geminiapi.Part{Text: "[image: " + part.ImageURL.URL + "]"})
			}
		}
	}
	return parts
}

func mapToolChoice(choice any) *geminiapi.ToolConfig {
	switch v := choice.(type) {
	case string:
		switch v {
		case "none":
			return &geminiapi.ToolConfig{FunctionCallingConfig: &geminiapi.FunctionCallingConfig{Mode: "NONE"}}
		case "required":
			return &geminiapi.ToolConfig{FunctionCallingConfig: &geminiapi.FunctionCallingConfig{Mode: "ANY"}}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &geminiapi.ToolConfig{FunctionCallingConfig: &geminiapi.FunctionCallingConfig{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{name},
				}}
			}
		}
	}
	return nil
}

func toToolCall(fc *geminiapi.FunctionCall) *domain.ToolCall {
	args := string(fc.Args)
	if args == "" {
		args = "{}"
	}
	return &domain.ToolCall{
		// the API has no call IDs; mint one so tool results can refer back
		ID:       "call_" + uuid.NewString(),
		Type:     "function",
		Function: domain.FunctionCall{Name: fc.Name, Arguments: args},
	}
}

func toUnifiedResponse(resp *geminiapi.GenerateContentResponse, model string) *domain.UnifiedResponse {
	choices := make([]domain.Choice, 0, len(resp.Candidates))
	for i, cand := range resp.Candidates {
		var text strings.Builder
		var toolCalls []domain.ToolCall
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, *toToolCall(part.FunctionCall))
			}
		}

		finish := mapFinishReason(cand.FinishReason)
		if len(toolCalls) > 0 {
			finish = domain.FinishToolCalls
		}
		choices = append(choices, domain.Choice{
			Index: i,
			Message: domain.ChatMessage{
				Role:      domain.RoleAssistant,
				Content:   domain.NewTextContent(text.String()),
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		})
	}

	out := &domain.UnifiedResponse{
		ID:       "gen-" + uuid.NewString(),
		Model:    model,
		Provider: "gemini",
		Choices:  choices,
	}
	if resp.UsageMetadata != nil {
		// totalTokenCount may include thought tokens; keep the total
		// consistent with prompt + completion.
		out.Usage = domain.TokenUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "STOP":
		return domain.FinishStop
	case "MAX_TOKENS":
		return domain.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return domain.FinishContentFilter
	default:
		return domain.FinishStop
	}
}

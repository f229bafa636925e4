package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openaiapi "github.com/conduitllm/conduit/internal/api/openai"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/testutil"
)

const completionBody = `{
  "id": "chatcmpl-123",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
}`

func TestExecute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %q", r.Header.Get("Authorization"))
		}
		if r.URL.RawQuery != "" {
			t.Errorf("request must not carry query parameters, got %q", r.URL.RawQuery)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, completionBody)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	resp, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("Hello")},
		},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("unexpected ID: %s", resp.ID)
	}
	if resp.Provider != "openai" {
		t.Errorf("unexpected provider: %s", resp.Provider)
	}
	if resp.Text() != "Hi!" {
		t.Errorf("unexpected content: %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Cost.TotalCost <= 0 {
		t.Errorf("cost not attached: %+v", resp.Cost)
	}
}

func TestExecuteUnpricedModelFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, completionBody)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	// A model with no pricing row must surface the error rather than
	// silently report a zero cost.
	_, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "gpt-99-ultra",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("Hello")},
		},
	})
	if err == nil {
		t.Fatal("expected error for unpriced model")
	}
	cerr, ok := domain.IsClassified(err)
	if !ok || cerr.Type != domain.ErrorTypeUnsupportedModel {
		t.Fatalf("expected unsupported_model, got %v", err)
	}
}

func TestMultimodalTranslation(t *testing.T) {
	var captured openaiapi.ChatCompletionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, completionBody)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	_, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{{
			Role: domain.RoleUser,
			Content: domain.NewMultipartContent(
				domain.TextPart("describe this"),
				domain.ImagePart("image/png", "aGVsbG8="),
			),
		}},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	parts, ok := captured.Messages[0].Content.([]any)
	if !ok {
		t.Fatalf("content not sent as parts: %T", captured.Messages[0].Content)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	img := parts[1].(map[string]any)
	url := img["image_url"].(map[string]any)["url"].(string)
	if url != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("base64 image not converted to data uri: %q", url)
	}
}

func TestStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiapi.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("stream requests must ask for usage in the final frame")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"chatcmpl-s","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}

data: {"id":"chatcmpl-s","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}

data: not-json-keepalive

data: {"id":"chatcmpl-s","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"chatcmpl-s","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}

data: [DONE]

`)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	ch, err := p.Stream(context.Background(), &domain.UnifiedRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("Hello")},
		},
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var text string
	var final domain.StreamChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.FinishReason != "" {
			final = chunk
			continue
		}
		text += chunk.Delta
	}

	// The malformed keepalive frame is skipped, not fatal.
	if text != "Hello" {
		t.Errorf("unexpected streamed text: %q", text)
	}
	if final.FinishReason != domain.FinishStop {
		t.Errorf("unexpected finish reason: %s", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 7 {
		t.Errorf("unexpected terminal usage: %+v", final.Usage)
	}
}

func TestStreamToolCallAccumulation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"chatcmpl-t","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]},"finish_reason":null}]}

data: {"id":"chatcmpl-t","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Paris\"}"}}]},"finish_reason":null}]}

data: {"id":"chatcmpl-t","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	ch, err := p.Stream(context.Background(), &domain.UnifiedRequest{
		Model: "gpt-4o",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("weather?")},
		},
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var tool *domain.ToolCall
	var final domain.StreamChunk
	for chunk := range ch {
		if chunk.ToolCall != nil {
			tool = chunk.ToolCall
		}
		if chunk.FinishReason != "" {
			final = chunk
		}
	}

	if tool == nil {
		t.Fatal("no tool call surfaced")
	}
	if tool.ID != "call_1" || tool.Function.Name != "get_weather" {
		t.Errorf("unexpected tool call: %+v", tool)
	}
	if tool.Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("arguments not accumulated: %q", tool.Function.Arguments)
	}
	if final.FinishReason != domain.FinishToolCalls {
		t.Errorf("unexpected finish reason: %s", final.FinishReason)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType domain.ErrorType
	}{
		{"rate limit", 429, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, domain.ErrorTypeRateLimit},
		{"quota", 429, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, domain.ErrorTypeRateLimit},
		{"bad key", 401, `{"error":{"message":"Incorrect API key provided: sk-abc***","type":"invalid_request_error","code":"invalid_api_key"}}`, domain.ErrorTypeAuth},
		{"missing model", 404, `{"error":{"message":"The model does-not-exist does not exist","type":"invalid_request_error","code":"model_not_found"}}`, domain.ErrorTypeModelUnavailable},
		{"server", 500, `{"error":{"message":"The server had an error","type":"server_error"}}`, domain.ErrorTypeServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprintln(w, tt.body)
			}))
			defer ts.Close()

			p := New("test-key", WithBaseURL(ts.URL))
			_, err := p.Execute(context.Background(), &domain.UnifiedRequest{
				Model: "gpt-4o",
				Messages: []domain.ChatMessage{
					{Role: domain.RoleUser, Content: domain.NewTextContent("hi")},
				},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			cerr, ok := domain.IsClassified(err)
			if !ok {
				t.Fatalf("expected classified error, got %T", err)
			}
			if cerr.Type != tt.wantType {
				t.Errorf("type = %s, want %s", cerr.Type, tt.wantType)
			}
			if cerr.Message == tt.body {
				t.Error("raw error body leaked into classified message")
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	p := New("")
	if !p.ValidateAPIKey("sk-proj-abcdefghijklmnopqrst") {
		t.Error("well-formed key rejected")
	}
	if p.ValidateAPIKey("AIzaSyAbcdefghijklmnopqrst") {
		t.Error("google-shaped key accepted")
	}
}

func TestExecuteVCR(t *testing.T) {
	r, cleanup := testutil.NewRecorder(t, "chat_completion_simple")
	defer cleanup()

	p := New("test-key", WithHTTPClient(testutil.HTTPClient(r)))

	resp, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "gpt-4o-mini",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("Say hello")},
		},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("unexpected text: %q", resp.Text())
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("unexpected model: %s", resp.Model)
	}
}

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicapi "github.com/conduitllm/conduit/internal/api/anthropic"
	"github.com/conduitllm/conduit/internal/domain"
	"github.com/conduitllm/conduit/internal/testutil"
)

const messageBody = `{
  "id": "msg_123",
  "type": "message",
  "role": "assistant",
  "content": [{"type": "text", "text": "Hello!"}],
  "model": "claude-sonnet-4",
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`

func TestExecute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header to be 'test-key', got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header to be set")
		}
		if r.URL.RawQuery != "" {
			t.Errorf("request must not carry query parameters, got %q", r.URL.RawQuery)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, messageBody)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	resp, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "claude-sonnet-4",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("Hello")},
		},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if resp.ID != "msg_123" {
		t.Errorf("unexpected ID: %s", resp.ID)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("unexpected provider: %s", resp.Provider)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("unexpected content: %q", resp.Text())
	}
	if resp.Choices[0].FinishReason != domain.FinishStop {
		t.Errorf("unexpected finish reason: %s", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Cost.TotalCost <= 0 {
		t.Errorf("cost not attached: %+v", resp.Cost)
	}
}

func TestExecuteUnpricedModelFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, messageBody)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	// A model with no pricing row must surface the error rather than
	// silently report a zero cost.
	_, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "claude-99-experimental",
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

func TestRequestTranslation(t *testing.T) {
	var captured anthropicapi.MessagesRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, messageBody)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	_, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "claude-sonnet-4",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: domain.NewTextContent("Be terse.")},
			{Role: domain.RoleUser, Content: domain.NewTextContent("What is 2+2?")},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{
				ID:       "toolu_1",
				Type:     "function",
				Function: domain.FunctionCall{Name: "calc", Arguments: `{"expr":"2+2"}`},
			}}},
			{Role: domain.RoleTool, ToolCallID: "toolu_1", Content: domain.NewTextContent("4")},
		},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if len(captured.System) != 1 || captured.System[0].Text != "Be terse." {
		t.Errorf("system message not moved to system field: %+v", captured.System)
	}
	// system message is removed from the turns
	if len(captured.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(captured.Messages))
	}
	if captured.Messages[1].Content[0].Type != "tool_use" {
		t.Errorf("assistant tool call not translated: %+v", captured.Messages[1].Content)
	}
	last := captured.Messages[2]
	if last.Role != "user" || last.Content[0].Type != "tool_result" || last.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result not translated to user tool_result turn: %+v", last)
	}
	if captured.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens default not applied: %d", captured.MaxTokens)
	}
}

func TestExecuteToolUse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{
  "id": "msg_tool",
  "type": "message",
  "role": "assistant",
  "content": [{"type": "tool_use", "id": "toolu_9", "name": "get_weather", "input": {"city": "Paris"}}],
  "model": "claude-sonnet-4",
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 20, "output_tokens": 10}
}`)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	resp, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "claude-sonnet-4",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("weather in paris?")},
		},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if resp.Choices[0].FinishReason != domain.FinishToolCalls {
		t.Errorf("unexpected finish reason: %s", resp.Choices[0].FinishReason)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].ID != "toolu_9" || calls[0].Function.Name != "get_weather" {
		t.Fatalf("tool call not collected: %+v", calls)
	}
}

func TestStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `event: message_start
data: {"type":"message_start","message":{"id":"msg_s","usage":{"input_tokens":7}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`)
	}))
	defer ts.Close()

	p := New("test-key", WithBaseURL(ts.URL))

	ch, err := p.Stream(context.Background(), &domain.UnifiedRequest{
		Model: "claude-sonnet-4",
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

	if text != "Hello" {
		t.Errorf("unexpected streamed text: %q", text)
	}
	if final.FinishReason != domain.FinishStop {
		t.Errorf("unexpected finish reason: %s", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 10 {
		t.Errorf("unexpected terminal usage: %+v", final.Usage)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  domain.ErrorType
		retryable bool
	}{
		{"rate limit", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"Number of request tokens has exceeded your rate limit"}}`, domain.ErrorTypeRateLimit, true},
		{"auth", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key sk-ant-secret"}}`, domain.ErrorTypeAuth, false},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, domain.ErrorTypeServer, true},
		{"bad request", 400, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`, domain.ErrorTypeInvalidRequest, false},
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
				Model: "claude-sonnet-4",
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
			if cerr.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", cerr.Retryable, tt.retryable)
			}
			if cerr.Provider != "anthropic" {
				t.Errorf("provider = %q", cerr.Provider)
			}
			// Upstream error bodies never leak into the classified message.
			if cerr.Message == "" || cerr.Message == tt.body {
				t.Errorf("message not sanitized: %q", cerr.Message)
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	p := New("")
	if !p.ValidateAPIKey("sk-ant-REDACTED") {
		t.Error("well-formed key rejected")
	}
	if p.ValidateAPIKey("sk-proj-abcdefghijklmnop") {
		t.Error("openai-shaped key accepted")
	}
	if p.ValidateAPIKey("sk-ant-x") {
		t.Error("too-short key accepted")
	}
}

func TestExecuteVCR(t *testing.T) {
	r, cleanup := testutil.NewRecorder(t, "messages_simple")
	defer cleanup()

	p := New("test-key", WithHTTPClient(testutil.HTTPClient(r)))

	resp, err := p.Execute(context.Background(), &domain.UnifiedRequest{
		Model: "claude-sonnet-4",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: domain.NewTextContent("Say hello")},
		},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if resp.Text() != "Hello there!" {
		t.Errorf("unexpected text: %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 18 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

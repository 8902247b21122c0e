package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"planepi/internal/llm"
)

func TestChatParsesUsageAndToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4.1-2025-04-14",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "workitems_create", "arguments": "{\"name\":\"Hello task\"}"}}]}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150, "prompt_tokens_details": {"cached_tokens": 100}}
		}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	resp, err := c.Chat(context.Background(), llm.Request{
		Model:    "gpt-4.1",
		System:   "plan actions",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "create a task"}},
		Tools:    []llm.Tool{{Name: "workitems_create", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Model != "gpt-4.1-2025-04-14" {
		t.Fatalf("expected served model, got %q", resp.Model)
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 30 || resp.Usage.CachedTokens != 100 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "workitems_create" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(msgs))
	}
	if _, ok := got["tools"]; !ok {
		t.Fatalf("tools missing in request")
	}
}

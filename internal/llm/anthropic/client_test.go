package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"planepi/internal/llm"
)

func TestChatParsesContentBlocks(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "Deleting the comment."},
				{"type": "tool_use", "id": "toolu_1", "name": "comments_delete", "input": {"comment_id": "c-1"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 50, "output_tokens": 12, "cache_read_input_tokens": 10}
		}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "test", BaseURL: srv.URL})
	resp, err := c.Chat(context.Background(), llm.Request{
		Model:  "claude-sonnet-4",
		System: "plan actions",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "delete that comment"},
		},
		Tools: []llm.Tool{{Name: "comments_delete", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"comment_id": map[string]any{"type": "string"}},
			"required":   []string{"comment_id"},
		}}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("expected served model, got %q", resp.Model)
	}
	if resp.Text != "Deleting the comment." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "comments_delete" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.PromptTokens != 60 || resp.Usage.CachedTokens != 10 || resp.Usage.CompletionTokens != 12 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if _, ok := got["system"]; !ok {
		t.Fatalf("system prompt missing in request")
	}
}

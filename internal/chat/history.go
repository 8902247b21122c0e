package chat

import (
	"encoding/json"
	"strings"

	"planepi/internal/llm"
	"planepi/internal/storage"
)

// TraceEntry is one tool call made while answering, stored on the assistant
// message so later turns can replay it.
type TraceEntry struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

func EncodeTrace(entries []TraceEntry) string {
	if len(entries) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func DecodeTrace(raw string) []TraceEntry {
	var out []TraceEntry
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ProcessConvHistory rebuilds the LLM message sequence for stored messages.
// An assistant message with a tool trace expands into the assistant tool
// call turn, one tool result per call, then the assistant's text.
func ProcessConvHistory(msgs []storage.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case storage.RoleUser:
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case storage.RoleAssistant:
			trace := DecodeTrace(m.ToolTrace)
			calls := make([]llm.ToolCall, 0, len(trace))
			results := make([]llm.Message, 0, len(trace))
			for _, e := range trace {
				if e.CallID == "" || e.Name == "" {
					continue
				}
				args := e.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				calls = append(calls, llm.ToolCall{ID: e.CallID, Name: e.Name, Arguments: args})
				results = append(results, llm.Message{Role: llm.RoleTool, ToolCallID: e.CallID, Content: e.Result})
			}
			if len(calls) > 0 {
				out = append(out, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})
				out = append(out, results...)
			}
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			}
		}
	}
	return out
}

package agent

import (
	"github.com/roshni-ai/roshni/internal/llm"
)

// interruptedResult is the synthetic tool-result text injected when a tool
// call's real result is missing from history. Providers reject an
// assistant tool_calls message without matching tool results, and the
// model has already seen the call, so a placeholder beats dropping the
// parent.
const interruptedResult = "Tool result unavailable (interrupted)."

// Sanitize repairs a message history so any provider accepts it:
//
//  1. Content is always a string (empty allowed).
//  2. Orphan tool messages with no parent assistant tool_call are dropped.
//  3. Assistant tool_calls messages with no surviving results are dropped.
//  4. Missing results in a partial sequence get synthetic placeholders.
//  5. Scattered results are reordered contiguous with their parent, in
//     tool_call order.
func Sanitize(in []llm.Message) []llm.Message {
	// Index the first result seen for each tool_call id.
	results := make(map[string]llm.Message)
	for _, m := range in {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			if _, ok := results[m.ToolCallID]; !ok {
				results[m.ToolCallID] = m
			}
		}
	}

	used := make(map[string]bool)
	out := make([]llm.Message, 0, len(in))
	for _, m := range in {
		switch {
		case m.Role == llm.RoleTool:
			// Emitted alongside its parent below; orphans vanish here.
			continue

		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			surviving := 0
			for _, tc := range m.ToolCalls {
				if _, ok := results[tc.ID]; ok && !used[tc.ID] {
					surviving++
				}
			}
			if surviving == 0 {
				continue
			}
			out = append(out, m)
			for _, tc := range m.ToolCalls {
				if r, ok := results[tc.ID]; ok && !used[tc.ID] {
					used[tc.ID] = true
					out = append(out, r)
					continue
				}
				out = append(out, llm.Message{
					Role:       llm.RoleTool,
					Content:    interruptedResult,
					ToolCallID: tc.ID,
				})
			}

		default:
			out = append(out, m)
		}
	}
	return out
}

// Trim keeps the most recent max messages. When the cut would land inside
// a tool sequence the window extends left to include the parent assistant,
// so trimming never orphans a tool result.
func Trim(msgs []llm.Message, max int) []llm.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	start := len(msgs) - max
	for start > 0 && msgs[start].Role == llm.RoleTool {
		start--
	}
	return msgs[start:]
}

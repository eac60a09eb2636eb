// Package history keeps the conversation window well-formed and inside the
// model's context budget across a long agent run.
package history

import (
	"strings"

	"cafezin/internal/llm"
)

// Sanitize returns a copy of messages satisfying the endpoint's structural
// contract: every tool message answers an unresolved call from the nearest
// preceding assistant message, no two adjacent messages share the user or
// assistant role, and no assistant message at the tail carries unresolved
// tool calls. The input is never mutated and the operation is idempotent:
// Sanitize(Sanitize(m)) equals Sanitize(m).
func Sanitize(messages []llm.Message) []llm.Message {
	out := flattenToolMessages(messages)
	out = dropOrphanResults(out)
	out = mergeConsecutive(out)
	out = trimDanglingTail(out)
	return out
}

// flattenToolMessages copies the slice and rewrites multipart tool messages
// into plain text. Strict backends reject structured content on the tool
// role.
func flattenToolMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role != llm.RoleTool || len(out[i].Parts) == 0 {
			continue
		}
		out[i].Content = out[i].Text()
		out[i].Parts = nil
	}
	return out
}

// dropOrphanResults removes tool messages that answer no unresolved call
// from the most recent assistant turn. Truncation and pruning leave these
// behind.
func dropOrphanResults(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	pending := map[string]bool{}
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleAssistant:
			pending = make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
			out = append(out, msg)
		case llm.RoleTool:
			if !pending[msg.ToolCallID] {
				continue
			}
			pending[msg.ToolCallID] = false
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}

// mergeConsecutive joins adjacent user/user and assistant/assistant pairs.
// Text content concatenates; for assistants the later message's tool calls
// win.
func mergeConsecutive(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if len(out) == 0 {
			out = append(out, msg)
			continue
		}
		last := out[len(out)-1]
		mergeable := msg.Role == last.Role &&
			(msg.Role == llm.RoleUser || msg.Role == llm.RoleAssistant) &&
			!msg.HasImage() && !last.HasImage()
		if !mergeable {
			out = append(out, msg)
			continue
		}

		merged := last
		switch {
		case strings.TrimSpace(last.Text()) == "":
			merged.Content = msg.Text()
		case strings.TrimSpace(msg.Text()) == "":
			merged.Content = last.Text()
		default:
			merged.Content = last.Text() + "\n\n" + msg.Text()
		}
		merged.Parts = nil
		merged.ToolCalls = msg.ToolCalls
		if msg.Origin != "" {
			merged.Origin = msg.Origin
		}
		out[len(out)-1] = merged
	}
	return out
}

// trimDanglingTail removes the earliest assistant message whose tool calls
// are not all resolved by the tool messages immediately following it,
// together with everything after it. A partially resolved turn is rejected
// wholesale by the endpoint, so it cannot be salvaged piecemeal; cutting at
// the earliest one leaves no unresolved turn anywhere in the window.
func trimDanglingTail(messages []llm.Message) []llm.Message {
	for i, msg := range messages {
		if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		if !fullyResolved(messages, i) {
			return messages[:i]
		}
	}
	return messages
}

func fullyResolved(messages []llm.Message, assistantIdx int) bool {
	resolved := make(map[string]bool)
	for j := assistantIdx + 1; j < len(messages) && messages[j].Role == llm.RoleTool; j++ {
		resolved[messages[j].ToolCallID] = true
	}
	for _, tc := range messages[assistantIdx].ToolCalls {
		if !resolved[tc.ID] {
			return false
		}
	}
	return true
}

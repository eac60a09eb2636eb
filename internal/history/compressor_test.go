package history

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cafezin/internal/archive"
	"cafezin/internal/llm"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.summary, FinishReason: "stop"}, nil
}

func (f *fakeSummarizer) Model() string { return "gpt-4o" }

type recordingSink struct {
	entries []archive.Entry
}

func (r *recordingSink) Append(_ context.Context, entry archive.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

// overBudgetHistory builds a window whose estimate clearly exceeds the
// default 90k budget.
func overBudgetHistory() []llm.Message {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "you are an agent"},
		{Role: llm.RoleUser, Content: "refactor the project"},
	}
	big := strings.Repeat("tool output line\n", 900)
	for i := 0; i < 30; i++ {
		id := "call_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
				{ID: id, Name: "read_file", Arguments: `{"path":"x"}`},
			}},
			llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: big},
		)
	}
	return msgs
}

func TestManageCompressesOverBudget(t *testing.T) {
	client := &fakeSummarizer{summary: "goal: refactor. done: read 30 files. next: edit."}
	sink := &recordingSink{}
	c := NewCompressor(client, sink, "sess-1", BudgetConfig{}, nil)

	input := overBudgetHistory()
	require.Greater(t, EstimateTokens(input), 90_000)

	out, compressed := c.Manage(context.Background(), input, 31)
	require.True(t, compressed)
	require.Equal(t, 1, client.calls)

	// system messages + (first user + summary + bridge) + tail of 8
	require.LessOrEqual(t, len(out), 1+3+8)

	// Sanitize merges the first user message with the synthetic summary
	// message and the bridging assistant with the tail's first assistant.
	require.Equal(t, llm.RoleSystem, out[0].Role)
	require.Equal(t, llm.RoleUser, out[1].Role)
	require.Contains(t, out[1].Content, "refactor the project")
	require.Contains(t, out[1].Content, client.summary)
	require.Contains(t, out[1].Content, "sess-1")
	require.Equal(t, llm.RoleAssistant, out[2].Role)

	require.Len(t, sink.entries, 1)
	require.Equal(t, "sess-1", sink.entries[0].SessionID)
	require.Equal(t, client.summary, sink.entries[0].Summary)
	require.NotEmpty(t, sink.entries[0].Messages)
}

func TestManageCompressionBoundHoldsForMultiToolRounds(t *testing.T) {
	// Rounds with several tool results must not inflate the rebuilt window:
	// when the verbatim tail would open on a tool result it is narrowed past
	// the results, never widened back over them.
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "you are an agent"},
		{Role: llm.RoleUser, Content: "survey the project"},
	}
	big := strings.Repeat("tool output line\n", 900)
	for i := 0; i < 5; i++ {
		var calls []llm.ToolCall
		for j := 0; j < 6; j++ {
			calls = append(calls, llm.ToolCall{
				ID:        "call_" + string(rune('a'+i)) + string(rune('a'+j)),
				Name:      "read_file",
				Arguments: `{"path":"x"}`,
			})
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})
		for _, tc := range calls {
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: big})
		}
	}
	require.Greater(t, EstimateTokens(msgs), 90_000)

	c := NewCompressor(&fakeSummarizer{summary: "read everything"}, nil, "sess-6", BudgetConfig{}, nil)
	out, compressed := c.Manage(context.Background(), msgs, 6)
	require.True(t, compressed)

	// system messages + (first user + summary + bridge) + tail of 8
	require.LessOrEqual(t, len(out), 1+3+8)
	for i, msg := range out {
		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
			for _, tc := range msg.ToolCalls {
				resolved := false
				for j := i + 1; j < len(out) && out[j].Role == llm.RoleTool; j++ {
					if out[j].ToolCallID == tc.ID {
						resolved = true
					}
				}
				require.True(t, resolved, "dangling call %s", tc.ID)
			}
		}
	}
}

func TestManageCompressionFailureUsesPlaceholder(t *testing.T) {
	client := &fakeSummarizer{err: context.DeadlineExceeded}
	c := NewCompressor(client, nil, "sess-2", BudgetConfig{}, nil)

	out, compressed := c.Manage(context.Background(), overBudgetHistory(), 31)
	require.True(t, compressed)

	var found bool
	for _, msg := range out {
		if msg.Origin == llm.OriginSummary && msg.Role == llm.RoleUser {
			found = true
			require.Contains(t, msg.Content, "summary could not be generated")
		}
	}
	require.True(t, found, "placeholder summary message missing")
}

func TestManageUnderBudgetCapsRoundGroups(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "task"},
	}
	for i := 0; i < 30; i++ {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: "thinking"},
			llm.Message{Role: llm.RoleUser, Content: "go on"})
	}

	c := NewCompressor(&fakeSummarizer{summary: "unused"}, nil, "sess-3", BudgetConfig{}, nil)
	out, compressed := c.Manage(context.Background(), msgs, 5)
	require.False(t, compressed)

	rounds := 0
	for _, msg := range out {
		if msg.Role == llm.RoleAssistant {
			rounds++
		}
	}
	require.LessOrEqual(t, rounds, 14)
}

func TestManageKeepsOnlyLatestVisionMessage(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "task"},
		{Role: llm.RoleAssistant, Content: "looking"},
		{Role: llm.RoleUser, Origin: llm.OriginVision, Parts: []llm.ContentPart{
			llm.TextPart("old screen"), llm.ImagePart("data:image/png;base64,AAAA"),
		}},
		{Role: llm.RoleAssistant, Content: "clicked"},
		{Role: llm.RoleUser, Origin: llm.OriginVision, Parts: []llm.ContentPart{
			llm.TextPart("new screen"), llm.ImagePart("data:image/png;base64,BBBB"),
		}},
	}

	c := NewCompressor(&fakeSummarizer{summary: "unused"}, nil, "sess-4", BudgetConfig{}, nil)
	out, _ := c.Manage(context.Background(), msgs, 2)

	vision := 0
	for _, msg := range out {
		if msg.Origin == llm.OriginVision {
			vision++
			require.Contains(t, msg.Text(), "new screen")
		}
	}
	require.Equal(t, 1, vision)
}

func TestCompressedTailCarriesNoImages(t *testing.T) {
	input := overBudgetHistory()
	input = append(input, llm.Message{
		Role: llm.RoleUser, Origin: llm.OriginVision,
		Parts: []llm.ContentPart{llm.TextPart("screen"), llm.ImagePart("data:image/png;base64,CCCC")},
	})
	c := NewCompressor(&fakeSummarizer{summary: "s"}, nil, "sess-5", BudgetConfig{}, nil)
	out, compressed := c.Manage(context.Background(), input, 31)
	require.True(t, compressed)
	for _, msg := range out {
		require.False(t, msg.HasImage())
	}
}

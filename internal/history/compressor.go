package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cafezin/internal/archive"
	"cafezin/internal/llm"
	"cafezin/internal/logging"
	"cafezin/internal/token"
)

// BudgetConfig sets the window-management thresholds. Zero values take
// defaults.
type BudgetConfig struct {
	// BudgetTokens is the estimated-token ceiling above which the window is
	// summarized and rebuilt.
	BudgetTokens int
	// KeepTail is how many recent messages survive a rebuild verbatim.
	KeepTail int
	// MaxRoundGroups caps the number of assistant rounds kept when the
	// window is under budget.
	MaxRoundGroups int
}

func (c BudgetConfig) withDefaults() BudgetConfig {
	if c.BudgetTokens == 0 {
		c.BudgetTokens = 90_000
	}
	if c.KeepTail == 0 {
		c.KeepTail = 8
	}
	if c.MaxRoundGroups == 0 {
		c.MaxRoundGroups = 14
	}
	return c
}

const (
	summarizeTimeout = 45 * time.Second
	// summaryInputCap bounds the transcript handed to the summarizer so the
	// summarization request itself stays well inside the model's window.
	summaryInputCap = 60_000
)

// Compressor keeps the conversation window inside the context budget. Over
// budget it summarizes the middle of the conversation with the model,
// archives the removed segment, and rebuilds a compact window; under budget
// it only trims old rounds and stale screenshots.
type Compressor struct {
	client    llm.Client
	sink      archive.Sink
	logger    logging.Logger
	config    BudgetConfig
	sessionID string
}

func NewCompressor(client llm.Client, sink archive.Sink, sessionID string, config BudgetConfig, logger logging.Logger) *Compressor {
	if sink == nil {
		sink = archive.NopSink{}
	}
	return &Compressor{
		client:    client,
		sink:      sink,
		logger:    logging.OrNop(logger),
		config:    config.withDefaults(),
		sessionID: sessionID,
	}
}

// Manage returns the window to carry into the next round, always sanitized.
// The second return reports whether a summarization rebuild happened.
func (c *Compressor) Manage(ctx context.Context, messages []llm.Message, round int) ([]llm.Message, bool) {
	messages = dropStaleVision(messages)

	estimated := EstimateTokens(messages)
	if estimated <= c.config.BudgetTokens {
		capped := capRoundGroups(messages, c.config.MaxRoundGroups)
		if len(capped) < len(messages) {
			c.logger.Debug("Trimmed window to last %d rounds (%d -> %d messages)",
				c.config.MaxRoundGroups, len(messages), len(capped))
		}
		return Sanitize(capped), false
	}

	c.logger.Info("Window over budget (%d > %d estimated tokens), compressing",
		estimated, c.config.BudgetTokens)
	return c.rebuild(ctx, messages, round, estimated), true
}

func (c *Compressor) rebuild(ctx context.Context, messages []llm.Message, round, estimated int) []llm.Message {
	prefixEnd := 0
	for prefixEnd < len(messages) && messages[prefixEnd].Role == llm.RoleSystem {
		prefixEnd++
	}
	firstUserEnd := prefixEnd
	if firstUserEnd < len(messages) && messages[firstUserEnd].Role == llm.RoleUser {
		firstUserEnd++
	}

	tailStart := c.pickTailStart(messages, firstUserEnd)
	if tailStart <= firstUserEnd {
		// Nothing between the prefix and the tail to compress.
		return Sanitize(dropImages(messages))
	}

	middle := messages[firstUserEnd:tailStart]
	summary, err := c.summarize(ctx, middle)
	if err != nil {
		c.logger.Error("Summarization failed, using placeholder: %v", err)
		summary = fmt.Sprintf(
			"(%d earlier messages were removed to stay within the context budget; "+
				"a summary could not be generated)", len(middle))
	}

	if err := c.sink.Append(ctx, archive.Entry{
		SessionID:       c.sessionID,
		Round:           round,
		EstimatedTokens: EstimateTokens(middle),
		Summary:         summary,
		Messages:        middle,
		CreatedAt:       time.Now(),
	}); err != nil {
		// Archival is best-effort; the summary already preserves the gist.
		c.logger.Warn("Failed to archive compressed segment: %v", err)
	}

	rebuilt := make([]llm.Message, 0, firstUserEnd+2+(len(messages)-tailStart))
	rebuilt = append(rebuilt, messages[:firstUserEnd]...)
	rebuilt = append(rebuilt, llm.Message{
		Role:   llm.RoleUser,
		Origin: llm.OriginSummary,
		Content: fmt.Sprintf(
			"Earlier parts of this conversation were summarized to stay within "+
				"the context budget. The full transcript is archived under session %s.\n\n%s",
			c.sessionID, summary),
	})
	rebuilt = append(rebuilt, llm.Message{
		Role:    llm.RoleAssistant,
		Origin:  llm.OriginSummary,
		Content: "Understood. I have the summary and will continue the task from there.",
	})
	rebuilt = append(rebuilt, dropImages(messages[tailStart:])...)

	result := Sanitize(rebuilt)
	c.logger.Info("Window compressed: %d -> %d messages (%d -> %d estimated tokens)",
		len(messages), len(result), estimated, EstimateTokens(result))
	return result
}

// pickTailStart chooses where the verbatim tail begins: the last KeepTail
// non-image messages, narrowed past any leading tool results so the tail
// never opens mid-round. The skipped results belong to a summarized turn and
// join the archived middle; widening the other way would grow the tail past
// KeepTail.
func (c *Compressor) pickTailStart(messages []llm.Message, earliest int) int {
	kept := 0
	start := len(messages)
	for i := len(messages) - 1; i >= earliest && kept < c.config.KeepTail; i-- {
		if messages[i].HasImage() {
			continue
		}
		start = i
		kept++
	}
	for start < len(messages) && messages[start].Role == llm.RoleTool {
		start++
	}
	return start
}

func (c *Compressor) summarize(ctx context.Context, messages []llm.Message) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("no summarization client configured")
	}

	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	input := token.Truncate(buildSummaryInput(messages), summaryInputCap)
	resp, err := c.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summarySystemPrompt},
			{Role: llm.RoleUser, Content: input},
		},
		Temperature: 0.2,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarization returned empty content")
	}
	return summary, nil
}

const summarySystemPrompt = `You compress agent conversations. Write a dense technical brief of the transcript you are given so the agent can continue the task without the original messages.

Cover, in order:
1. The user's goal and any constraints they stated.
2. What has been done so far: files touched, commands run, tools called and their outcomes.
3. Errors hit and how they were resolved, including user corrections.
4. Current state and the immediate next step.

Use plain prose and exact identifiers (file paths, function names, values). Do not editorialize or add recommendations.`

func buildSummaryInput(messages []llm.Message) string {
	var parts []string
	for i, msg := range messages {
		text := strings.TrimSpace(msg.Text())
		if len(msg.ToolCalls) > 0 {
			var calls []string
			for _, tc := range msg.ToolCalls {
				calls = append(calls, fmt.Sprintf("%s(%s)", tc.Name, tc.Arguments))
			}
			if text != "" {
				text += " "
			}
			text += "[called: " + strings.Join(calls, ", ") + "]"
		}
		if msg.Role == llm.RoleTool {
			text = fmt.Sprintf("[result for %s] %s", msg.ToolCallID, text)
		}
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%d %s] %s", i+1, msg.Role, text))
	}
	return strings.Join(parts, "\n\n")
}

// capRoundGroups keeps the conversation prefix (system messages plus the
// first user message) and the last max assistant rounds, where a round is an
// assistant message together with its tool results.
func capRoundGroups(messages []llm.Message, max int) []llm.Message {
	prefixEnd := 0
	for prefixEnd < len(messages) && messages[prefixEnd].Role == llm.RoleSystem {
		prefixEnd++
	}
	if prefixEnd < len(messages) && messages[prefixEnd].Role == llm.RoleUser {
		prefixEnd++
	}

	var groups [][]llm.Message
	var current []llm.Message
	for _, msg := range messages[prefixEnd:] {
		if msg.Role == llm.RoleAssistant && current != nil {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, msg)
	}
	if current != nil {
		groups = append(groups, current)
	}
	if len(groups) <= max {
		return messages
	}

	out := make([]llm.Message, 0, len(messages))
	out = append(out, messages[:prefixEnd]...)
	for _, group := range groups[len(groups)-max:] {
		out = append(out, group...)
	}
	return out
}

// dropStaleVision keeps only the most recent screenshot message; older ones
// describe a screen state that no longer exists.
func dropStaleVision(messages []llm.Message) []llm.Message {
	latest := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Origin == llm.OriginVision {
			latest = i
			break
		}
	}
	if latest == -1 {
		return messages
	}

	out := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if msg.Origin == llm.OriginVision && i != latest {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func dropImages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if !out[i].HasImage() {
			continue
		}
		out[i].Content = out[i].Text()
		out[i].Parts = nil
	}
	return out
}

// Package llm implements the streaming request engine for the
// OpenAI-compatible chat completions endpoint: request shaping per model
// family, SSE decoding, retry policy, and the session-token plumbing.
package llm

import "context"

// Message roles as they appear on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one element of a multipart message body.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef carries an image payload, usually a data URI.
type ImageRef struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageRef{URL: url}}
}

// ToolCall is a model-requested tool invocation. Arguments is the raw payload
// text; the engine never parses it — that happens at the executor boundary.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of the conversation history. Histories are never
// mutated in place; every rewrite produces a fresh slice.
//
// A tool message must carry the ToolCallID of an unresolved call from the
// nearest preceding assistant message; the sanitizer enforces this before
// every request.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`

	// Origin is a local provenance marker (vision injection, summary
	// bridging). It exists for the engine's own bookkeeping and is never
	// serialized onto the wire.
	Origin string `json:"origin,omitempty"`
}

// Provenance markers for synthesized messages.
const (
	OriginVision  = "vision"
	OriginSummary = "summary"
	OriginNotice  = "notice"
)

// Text returns the textual content of the message, flattening multipart
// bodies.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, part := range m.Parts {
		if part.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += part.Text
		}
	}
	return out
}

// HasImage reports whether the message carries an image part.
func (m Message) HasImage() bool {
	for _, part := range m.Parts {
		if part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "" {
			return true
		}
	}
	return false
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON schema object
}

// Request contains the per-call parameters for a completion.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
	RequestID   string
}

// TokenUsage tracks token consumption reported by the endpoint.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the aggregated result of one completion call.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// StreamCallbacks receives incremental output during a streaming completion.
type StreamCallbacks struct {
	// OnContentDelta is invoked once per text fragment, then once with
	// final=true after the stream ends.
	OnContentDelta func(delta string, final bool)
}

// Client is the non-streaming completion surface, used for summarization.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// StreamingClient adds the incremental completion surface driven by the agent
// loop.
type StreamingClient interface {
	Client
	StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error)
}

// TokenSource supplies the short-lived API session token for each request.
// Invalidate drops any cached token after the endpoint rejects it.
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
	Invalidate()
}

type staticTokenSource string

func (s staticTokenSource) SessionToken(context.Context) (string, error) { return string(s), nil }
func (s staticTokenSource) Invalidate()                                  {}

// StaticTokenSource wraps a fixed API key as a TokenSource, for endpoints that
// do not use the exchange flow.
func StaticTokenSource(token string) TokenSource {
	return staticTokenSource(token)
}

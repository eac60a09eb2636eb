// Package ports defines the boundaries the agent loop drives: tool
// execution, screen capture, and the host-facing event callbacks.
package ports

import "context"

// ToolExecutor runs one tool call. Arguments arrive as the raw payload text
// the model produced; implementations own parsing and validation. A returned
// error is reported back to the model, not to the user — the loop continues.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, arguments string) (string, error)
	// Definitions lists the tools to advertise to the model.
	Definitions() []ToolDefinition
}

// ToolDefinition mirrors the wire-level tool schema without importing the
// transport package.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  any
}

// ToolActivity describes one tool execution for host display.
type ToolActivity struct {
	CallID    string
	Name      string
	Arguments string
	Result    string
	Err       error
}

// Callbacks surfaces loop progress to the host. All fields are optional.
type Callbacks struct {
	// OnChunk receives visible assistant text as it streams.
	OnChunk func(text string)
	// OnToolStart fires as a tool execution begins.
	OnToolStart func(callID, name, arguments string)
	// OnToolActivity fires after each tool execution completes.
	OnToolActivity func(activity ToolActivity)
	// OnDone fires when the model finishes without requesting tools.
	OnDone func(finalText string)
	// OnExhausted fires when the round limit is reached first.
	OnExhausted func(rounds int)
	// OnError fires when the loop stops on an unrecoverable error.
	OnError func(err error)
}

package llm

import "strings"

// reasoningPrefixes identifies the model family that rejects a temperature
// override and names its output cap max_completion_tokens instead of
// max_tokens. The mapping is applied on every request.
var reasoningPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// IsReasoningModel reports whether the model takes the reasoning-family
// request shape.
func IsReasoningModel(model string) bool {
	model = strings.ToLower(model)
	for _, prefix := range reasoningPrefixes {
		if model == prefix || strings.HasPrefix(model, prefix+"-") || strings.HasPrefix(model, prefix+".") {
			return true
		}
	}
	return false
}

// visionPrefixes lists model families known to accept image content. Models
// not listed are assumed text-only, which only costs a skipped screenshot.
var visionPrefixes = []string{
	"gpt-4o",
	"gpt-4.1",
	"gpt-5",
	"o3",
	"o4",
	"claude-",
	"gemini-",
}

// SupportsVision reports whether the model accepts image parts in a message.
func SupportsVision(model string) bool {
	model = strings.ToLower(model)
	for _, prefix := range visionPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

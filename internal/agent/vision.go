package agent

import (
	"strings"

	"cafezin/internal/llm"
)

// ScreenshotSentinel prefixes a tool result whose body is an image data URI
// rather than text.
const ScreenshotSentinel = "[[screenshot]]:"

const (
	screenshotPlaceholder = "Screenshot captured. The image is attached to a following message."
	screenshotTextOnly    = "Screenshot captured, but the active model cannot view images. Proceed from textual context."
	screenshotMissing     = "Screenshot capture returned no image data. Proceed from textual context."
	visionInstruction     = "Here is the current screen:"
)

// injectVision rewrites sentinel-tagged tool results into plain placeholders
// and, for a vision-capable model, appends exactly one user message carrying
// the freshest screenshot. Previously injected image messages are removed so
// stale screens never accumulate. Returns a rewritten copy; the input is not
// mutated.
func injectVision(messages []llm.Message, visionCapable bool) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)

	latestImage := ""
	for i := range out {
		if out[i].Role != llm.RoleTool {
			continue
		}
		body := out[i].Text()
		if !strings.HasPrefix(body, ScreenshotSentinel) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(body, ScreenshotSentinel))
		if payload != "" {
			latestImage = payload
		}
		switch {
		case payload == "":
			// No image will be appended for this result, so never promise one.
			out[i].Content = screenshotMissing
		case visionCapable:
			out[i].Content = screenshotPlaceholder
		default:
			out[i].Content = screenshotTextOnly
		}
		out[i].Parts = nil
	}

	if latestImage == "" {
		return out
	}

	// Drop earlier injected screenshots regardless of capability.
	kept := out[:0:0]
	for _, msg := range out {
		if msg.Origin == llm.OriginVision {
			continue
		}
		kept = append(kept, msg)
	}

	if !visionCapable {
		return kept
	}
	return append(kept, llm.Message{
		Role:   llm.RoleUser,
		Origin: llm.OriginVision,
		Parts: []llm.ContentPart{
			llm.TextPart(visionInstruction),
			llm.ImagePart(latestImage),
		},
	})
}

package history

import (
	"encoding/json"

	"cafezin/internal/llm"
)

// bytesPerToken is the serialization heuristic: roughly four bytes of JSON
// per token. Cheap, stable, and errs on the high side for code-heavy text.
const bytesPerToken = 4

// EstimateTokens returns the approximate prompt cost of a message window,
// computed from the serialized wire form so tool calls and image payloads
// are counted the way the endpoint sees them.
func EstimateTokens(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessage(msg)
	}
	return total
}

func estimateMessage(msg llm.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		// Marshal of these types cannot fail; fall back to content length.
		return len(msg.Text()) / bytesPerToken
	}
	return len(data) / bytesPerToken
}

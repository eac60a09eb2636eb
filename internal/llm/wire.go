package llm

import "strings"

// ImageStrippedPlaceholder replaces an image part when a request is retried
// after the endpoint rejected the payload.
const ImageStrippedPlaceholder = "[image removed: payload was rejected by the endpoint]"

// WireMessages converts history messages to the shape the endpoint accepts.
// Only recognized fields survive the conversion; local bookkeeping fields
// (Origin and friends) are dropped here, so some backends' strict field
// validation never sees them.
func WireMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		entry := map[string]any{"role": msg.Role}
		if len(msg.Parts) > 0 {
			parts := make([]map[string]any, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case "image_url":
					if part.ImageURL != nil && part.ImageURL.URL != "" {
						parts = append(parts, map[string]any{
							"type":      "image_url",
							"image_url": map[string]any{"url": part.ImageURL.URL},
						})
					}
				default:
					parts = append(parts, map[string]any{"type": "text", "text": part.Text})
				}
			}
			entry["content"] = parts
		} else {
			entry["content"] = msg.Content
		}
		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				arguments := call.Arguments
				if arguments == "" {
					arguments = "{}"
				}
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func wireTools(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if !isWireSafeToolName(tool.Name) {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return out
}

func isWireSafeToolName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// buildRequestBody shapes the request for the model's family. Reasoning
// models accept no temperature override and use max_completion_tokens.
func buildRequestBody(model string, req Request, stream bool) map[string]any {
	body := map[string]any{
		"model":    model,
		"messages": WireMessages(req.Messages),
		"stream":   stream,
	}
	if IsReasoningModel(model) {
		if req.MaxTokens > 0 {
			body["max_completion_tokens"] = req.MaxTokens
		}
	} else {
		body["temperature"] = req.Temperature
		if req.MaxTokens > 0 {
			body["max_tokens"] = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		body["tools"] = wireTools(req.Tools)
		body["tool_choice"] = "auto"
	}
	return body
}

// trailingMessageHasImage reports whether the request's last message carries
// an inlined image, the common recoverable cause of a 400.
func trailingMessageHasImage(req Request) bool {
	if len(req.Messages) == 0 {
		return false
	}
	return req.Messages[len(req.Messages)-1].HasImage()
}

// stripTrailingImages returns a copy of the request with image parts of the
// last message replaced by a text placeholder.
func stripTrailingImages(req Request) Request {
	if len(req.Messages) == 0 {
		return req
	}
	messages := append([]Message(nil), req.Messages...)
	last := messages[len(messages)-1]
	parts := make([]ContentPart, 0, len(last.Parts))
	for _, part := range last.Parts {
		if part.Type == "image_url" {
			parts = append(parts, TextPart(ImageStrippedPlaceholder))
			continue
		}
		parts = append(parts, part)
	}
	last.Parts = parts
	messages[len(messages)-1] = last
	req.Messages = messages
	return req
}

// redactDataURIs shortens base64 image payloads before a request body is
// written to the debug log.
func redactDataURIs(body string) string {
	const marker = "data:image/"
	var out strings.Builder
	for {
		idx := strings.Index(body, marker)
		if idx == -1 {
			out.WriteString(body)
			return out.String()
		}
		end := idx
		for end < len(body) && body[end] != '"' {
			end++
		}
		keep := idx + 48
		if keep > end {
			keep = end
		}
		out.WriteString(body[:keep])
		if keep < end {
			out.WriteString("...(redacted)")
		}
		body = body[end:]
	}
}

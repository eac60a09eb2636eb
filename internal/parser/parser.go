// Package parser recovers tool calls from model output. Native tool_calls
// from the wire are the primary path; the text path exists for models that
// write marked-up calls into the content channel instead, including calls cut
// off mid-write by a stream ending early.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"cafezin/internal/llm"
	"cafezin/internal/logging"
)

const (
	openMarker  = "<tool_call>"
	closeMarker = "</tool_call>"
)

var (
	closedBlockRe = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)
	toolNameRe    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)
)

// Extractor turns a completed model turn into tool calls plus the content
// that should remain visible after markup is removed.
type Extractor struct {
	logger     logging.Logger
	knownTools map[string]struct{}
}

// NewExtractor builds an extractor. knownTools bounds the bare-name recovery
// strategy; the other strategies work without it.
func NewExtractor(logger logging.Logger, knownTools []string) *Extractor {
	known := make(map[string]struct{}, len(knownTools))
	for _, name := range knownTools {
		known[name] = struct{}{}
	}
	return &Extractor{logger: logging.OrNop(logger), knownTools: known}
}

// Extract returns the tool calls for a turn and the cleaned content. When the
// wire delivered native tool calls those win outright and the text path never
// runs; otherwise recovery strategies are tried in order of decreasing
// structure until one yields a call.
func (e *Extractor) Extract(content string, native []llm.ToolCall) ([]llm.ToolCall, string) {
	if len(native) > 0 {
		return e.normalizeNative(native), stripMarkers(content)
	}
	if strings.TrimSpace(content) == "" {
		return nil, content
	}

	if calls := e.fromClosedBlocks(content); len(calls) > 0 {
		return calls, stripMarkers(content)
	}
	if call, ok := e.fromUnclosedBlock(content); ok {
		return []llm.ToolCall{call}, stripMarkers(content)
	}
	if calls := e.fromEmbeddedPayloads(content); len(calls) > 0 {
		return calls, content
	}
	if call, ok := e.fromWholePayload(content); ok {
		return []llm.ToolCall{call}, ""
	}
	if call, ok := e.fromBareName(content); ok {
		return []llm.ToolCall{call}, ""
	}
	return nil, content
}

// normalizeNative fills in missing IDs and repairs argument payloads that
// are not valid JSON. Arguments stay a raw string; only the executor parses
// them.
func (e *Extractor) normalizeNative(native []llm.ToolCall) []llm.ToolCall {
	calls := make([]llm.ToolCall, 0, len(native))
	for i, tc := range native {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i)
		}
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		} else if !json.Valid([]byte(tc.Arguments)) {
			repaired, err := jsonrepair.JSONRepair(tc.Arguments)
			if err != nil || !json.Valid([]byte(repaired)) {
				e.logger.Warn("Tool call %s carried unrepairable arguments (%d bytes), passing through as-is",
					tc.Name, len(tc.Arguments))
			} else {
				e.logger.Debug("Repaired arguments for tool call %s", tc.Name)
				tc.Arguments = repaired
			}
		}
		calls = append(calls, tc)
	}
	return calls
}

func (e *Extractor) fromClosedBlocks(content string) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, match := range closedBlockRe.FindAllStringSubmatch(content, -1) {
		if call, ok := e.parsePayload(match[1], len(calls)); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// fromUnclosedBlock handles a turn that ends inside a tool_call block, the
// signature of a stream cut off mid-write.
func (e *Extractor) fromUnclosedBlock(content string) (llm.ToolCall, bool) {
	idx := strings.LastIndex(content, openMarker)
	if idx == -1 {
		return llm.ToolCall{}, false
	}
	tail := content[idx+len(openMarker):]
	if strings.Contains(tail, closeMarker) {
		return llm.ToolCall{}, false
	}
	payload := strings.TrimSpace(tail)
	if payload == "" {
		return llm.ToolCall{}, false
	}

	if call, ok := e.parsePayload(payload, 0); ok {
		return call, true
	}

	// A payload truncated inside a string value often parses after closing
	// the string at its last plausible point and balancing the braces.
	if recovered := closeTruncatedPayload(payload); recovered != payload {
		if call, ok := e.parsePayload(recovered, 0); ok {
			e.logger.Debug("Recovered truncated tool call %s from unclosed block", call.Name)
			return call, true
		}
	}
	return llm.ToolCall{}, false
}

// fromEmbeddedPayloads scans prose for balanced JSON objects that carry a
// "name" key. Used for models that emit the payload without any markers.
func (e *Extractor) fromEmbeddedPayloads(content string) []llm.ToolCall {
	var calls []llm.ToolCall
	for i := 0; i < len(content); i++ {
		if content[i] != '{' {
			continue
		}
		end := balancedObjectEnd(content, i)
		if end == -1 {
			continue
		}
		candidate := content[i : end+1]
		if !strings.Contains(candidate, `"name"`) {
			continue
		}
		if call, ok := e.parsePayload(candidate, len(calls)); ok {
			calls = append(calls, call)
			i = end
		}
	}
	return calls
}

func (e *Extractor) fromWholePayload(content string) (llm.ToolCall, bool) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return llm.ToolCall{}, false
	}
	return e.parsePayload(trimmed, 0)
}

// fromBareName accepts a turn that is nothing but the name of a registered
// tool, which some models produce for zero-argument calls.
func (e *Extractor) fromBareName(content string) (llm.ToolCall, bool) {
	name := strings.TrimSpace(content)
	if !toolNameRe.MatchString(name) {
		return llm.ToolCall{}, false
	}
	if _, ok := e.knownTools[name]; !ok {
		return llm.ToolCall{}, false
	}
	return llm.ToolCall{ID: "call_0", Name: name, Arguments: "{}"}, true
}

type payload struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

func (e *Extractor) parsePayload(raw string, index int) (llm.ToolCall, bool) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return llm.ToolCall{}, false
		}
		if err := json.Unmarshal([]byte(repaired), &p); err != nil {
			return llm.ToolCall{}, false
		}
	}
	if !toolNameRe.MatchString(p.Name) {
		return llm.ToolCall{}, false
	}

	args := p.Arguments
	if len(args) == 0 {
		args = p.Parameters
	}
	argText := strings.TrimSpace(string(args))
	if argText == "" || argText == "null" {
		argText = "{}"
	}
	return llm.ToolCall{
		ID:        fmt.Sprintf("call_%d", index),
		Name:      p.Name,
		Arguments: argText,
	}, true
}

// closeTruncatedPayload closes a string cut off mid-value and balances the
// braces. Conservative: only touches payloads that start with '{'.
func closeTruncatedPayload(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
		}
	}

	fixed := raw
	if inString {
		if escaped {
			fixed = fixed[:len(fixed)-1]
		}
		fixed += `"`
	}
	for ; depth > 0; depth-- {
		fixed += "}"
	}
	return fixed
}

// balancedObjectEnd returns the index of the '}' closing the object opened at
// start, or -1 when the object never closes. String contents are skipped.
func balancedObjectEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripMarkers removes tool_call blocks and any leaked markers from content
// destined for display.
func stripMarkers(content string) string {
	cleaned := closedBlockRe.ReplaceAllString(content, "")
	if idx := strings.LastIndex(cleaned, openMarker); idx != -1 && !strings.Contains(cleaned[idx:], closeMarker) {
		cleaned = cleaned[:idx]
	}
	cleaned = strings.ReplaceAll(cleaned, openMarker, "")
	cleaned = strings.ReplaceAll(cleaned, closeMarker, "")
	return strings.TrimSpace(cleaned)
}

// Package protocol decodes the newline-delimited stream emitted by supervised
// agent processes. Each line is either a JSON object with a "type"
// discriminator or arbitrary text; decoding never fails, it degrades to Raw.
package protocol

import (
	"encoding/json"
	"strings"
)

// Kind tags a DecodedEvent. The set is closed: consumers switch over these
// five cases instead of probing optional keys.
type Kind string

const (
	KindSystem     Kind = "system"
	KindAssistant  Kind = "assistant"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindRaw        Kind = "raw"
)

// DecodedEvent is one typed lifecycle signal parsed from a line of process
// output. Exactly the fields for its Kind are set:
//
//	System, Assistant, ToolResult: Content
//	ToolUse:                       Tool, Input
//	Raw:                           Text
type DecodedEvent struct {
	Kind    Kind            `json:"kind"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// wireLine mirrors the on-the-wire JSON shape. Content is kept raw because
// some emitters send structured tool results rather than plain strings.
type wireLine struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
}

// Decode converts one raw line of process output into a DecodedEvent. It is a
// pure function with no side effects and is safe to call from concurrent
// readers. Unparseable lines become Raw events; Decode never returns an error.
func Decode(line string) DecodedEvent {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != '{' {
		return DecodedEvent{Kind: KindRaw, Text: line}
	}

	var w wireLine
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return DecodedEvent{Kind: KindRaw, Text: line}
	}

	switch w.Type {
	case "system":
		return DecodedEvent{Kind: KindSystem, Content: contentString(w.Content)}
	case "assistant":
		return DecodedEvent{Kind: KindAssistant, Content: contentString(w.Content)}
	case "tool_use":
		return DecodedEvent{Kind: KindToolUse, Tool: w.Name, Input: w.Input}
	case "tool_result":
		return DecodedEvent{Kind: KindToolResult, Content: contentString(w.Content)}
	default:
		return DecodedEvent{Kind: KindRaw, Text: line}
	}
}

// contentString unwraps a JSON string, or falls back to the raw JSON text for
// structured content.
func contentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// WaitsForInput reports whether a system event signals that the process is
// blocked on user input.
func (e DecodedEvent) WaitsForInput() bool {
	return e.Kind == KindSystem && strings.Contains(strings.ToLower(e.Content), "waiting")
}

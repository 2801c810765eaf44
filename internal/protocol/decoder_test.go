package protocol

import "testing"

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		line string
		want DecodedEvent
	}{
		{
			name: "system",
			line: `{"type":"system","content":"session started"}`,
			want: DecodedEvent{Kind: KindSystem, Content: "session started"},
		},
		{
			name: "assistant",
			line: `{"type":"assistant","content":"hello"}`,
			want: DecodedEvent{Kind: KindAssistant, Content: "hello"},
		},
		{
			name: "tool use",
			line: `{"type":"tool_use","name":"bash","input":{"command":"ls"}}`,
			want: DecodedEvent{Kind: KindToolUse, Tool: "bash"},
		},
		{
			name: "tool result",
			line: `{"type":"tool_result","content":"ok"}`,
			want: DecodedEvent{Kind: KindToolResult, Content: "ok"},
		},
		{
			name: "unknown type falls back to raw",
			line: `{"type":"telemetry","content":"x"}`,
			want: DecodedEvent{Kind: KindRaw, Text: `{"type":"telemetry","content":"x"}`},
		},
		{
			name: "plain text",
			line: "building project...",
			want: DecodedEvent{Kind: KindRaw, Text: "building project..."},
		},
		{
			name: "malformed json",
			line: `{"type":"system","content":`,
			want: DecodedEvent{Kind: KindRaw, Text: `{"type":"system","content":`},
		},
		{
			name: "empty line",
			line: "",
			want: DecodedEvent{Kind: KindRaw, Text: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.line)
			if got.Kind != tt.want.Kind {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.want.Kind)
			}
			if got.Content != tt.want.Content {
				t.Errorf("content = %q, want %q", got.Content, tt.want.Content)
			}
			if got.Tool != tt.want.Tool {
				t.Errorf("tool = %q, want %q", got.Tool, tt.want.Tool)
			}
			if got.Text != tt.want.Text {
				t.Errorf("text = %q, want %q", got.Text, tt.want.Text)
			}
		})
	}
}

func TestDecodeStructuredContent(t *testing.T) {
	got := Decode(`{"type":"tool_result","content":{"files":3}}`)
	if got.Kind != KindToolResult {
		t.Fatalf("kind = %q, want %q", got.Kind, KindToolResult)
	}
	if got.Content != `{"files":3}` {
		t.Errorf("content = %q, want raw JSON", got.Content)
	}
}

func TestWaitsForInput(t *testing.T) {
	ev := Decode(`{"type":"system","content":"Waiting for input"}`)
	if !ev.WaitsForInput() {
		t.Error("expected waiting marker to be detected")
	}

	ev = Decode(`{"type":"assistant","content":"waiting for input"}`)
	if ev.WaitsForInput() {
		t.Error("assistant events must not signal waiting")
	}

	ev = Decode(`{"type":"system","content":"task complete"}`)
	if ev.WaitsForInput() {
		t.Error("unrelated system events must not signal waiting")
	}
}

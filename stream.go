package portico

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk.
	EventTextDelta StreamEventType = "delta"
	// EventToolRound signals one tool call executing during the loop.
	// Name carries the tool name; no text is streamed mid-loop.
	EventToolRound StreamEventType = "tool-round"
	// EventFinal terminates a stream. Content carries the complete answer.
	EventFinal StreamEventType = "final"
)

// StreamEvent is a typed event emitted during turn streaming. Outside a tool
// loop, deltas are true provider tokens; during a loop only tool-round
// progress is emitted and the final answer is replayed word by word.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Name    string          `json:"name,omitempty"`
	Content string          `json:"content,omitempty"`
}

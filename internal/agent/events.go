package agent

import (
	"encoding/json"

	"evidenceflow/internal/core"
)

// Event is one item of the authoring turn stream. It is one of TextDelta,
// ToolCallRequested, ToolResult or StateChanged.
type Event interface {
	Kind() string
}

type TextDelta struct {
	Text string `json:"text"`
}

type ToolCallRequested struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

type StateChanged struct {
	From core.AuthoringState `json:"from"`
	To   core.AuthoringState `json:"to"`
}

func (TextDelta) Kind() string         { return "text_delta" }
func (ToolCallRequested) Kind() string { return "tool_call_requested" }
func (ToolResult) Kind() string        { return "tool_result" }
func (StateChanged) Kind() string      { return "state_changed" }

// Sink receives events in order from a single goroutine. An error aborts the turn.
type Sink func(Event) error

// Envelope is the wire form of an event: {"type": ..., "data": ...}.
type Envelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// Wrap returns the wire form of ev.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.Kind(), Data: ev}
}

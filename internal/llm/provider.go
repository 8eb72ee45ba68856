// Package llm talks to OpenAI-compatible chat completion APIs.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool declares a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ResponseSchema constrains the model output to a JSON schema.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
}

type Request struct {
	Model           string
	Messages        []Message
	Tools           []Tool
	ReasoningEffort string
	ResponseSchema  *ResponseSchema
}

type Response struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider is implemented by LLM backends.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream returns an EventStream the caller must Close.
	Stream(ctx context.Context, req Request) (*EventStream, error)
}

type StreamEventType string

const (
	EventTextDelta StreamEventType = "text_delta"
	EventToolCall  StreamEventType = "tool_call"
)

type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolCall *ToolCall
}

// EventStream yields events and accumulates the complete response. It is
// not safe for concurrent use.
type EventStream struct {
	next     func() (StreamEvent, error)
	closer   io.Closer
	response Response
	done     bool
}

func NewEventStream(next func() (StreamEvent, error), closer io.Closer) *EventStream {
	return &EventStream{next: next, closer: closer}
}

// Next returns io.EOF once the stream is complete.
func (s *EventStream) Next() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}
	ev, err := s.next()
	if err != nil {
		if err == io.EOF {
			s.done = true
		}
		return ev, err
	}
	switch ev.Type {
	case EventTextDelta:
		s.response.Content += ev.Text
	case EventToolCall:
		if ev.ToolCall != nil {
			s.response.ToolCalls = append(s.response.ToolCalls, *ev.ToolCall)
		}
	}
	return ev, nil
}

// Response returns what has been accumulated so far.
func (s *EventStream) Response() Response {
	return s.response
}

func (s *EventStream) SetFinishReason(reason string) {
	s.response.FinishReason = reason
}

func (s *EventStream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ProviderError is returned when the API answers with an error status.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"evidenceflow/internal/llm"
)

// ErrExhausted is returned when the provider has no scripted reply left.
var ErrExhausted = errors.New("llmtest: no scripted response left")

// Reply is one scripted model answer. Err, when set, is returned instead.
type Reply struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

// Provider replays scripted replies in order and records every request.
type Provider struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
}

func New(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

// Requests returns the requests received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

func (p *Provider) pop(req llm.Request) (Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return Reply{}, ErrExhausted
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	if r.Err != nil {
		return Reply{}, r.Err
	}
	return r, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	r, err := p.pop(req)
	if err != nil {
		return nil, err
	}
	finish := "stop"
	if len(r.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &llm.Response{Content: r.Text, ToolCalls: r.ToolCalls, FinishReason: finish}, nil
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (*llm.EventStream, error) {
	r, err := p.pop(req)
	if err != nil {
		return nil, err
	}
	var events []llm.StreamEvent
	if r.Text != "" {
		events = append(events, llm.StreamEvent{Type: llm.EventTextDelta, Text: r.Text})
	}
	for i := range r.ToolCalls {
		tc := r.ToolCalls[i]
		events = append(events, llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &tc})
	}
	return llm.NewEventStream(func() (llm.StreamEvent, error) {
		if len(events) == 0 {
			return llm.StreamEvent{}, io.EOF
		}
		ev := events[0]
		events = events[1:]
		return ev, nil
	}, nil), nil
}

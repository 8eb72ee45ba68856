package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const doneSentinel = "[DONE]"

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAI implements Provider against /chat/completions.
type OpenAI struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAI{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   client,
	}
}

// DefaultModel returns the configured model.
func (c *OpenAI) DefaultModel() string {
	return c.model
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.do(ctx, c.wireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("openai: decoding response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	choice := wire.Choices[0]
	out := &Response{
		Model:        wire.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (c *OpenAI) Stream(ctx context.Context, req Request) (*EventStream, error) {
	resp, err := c.do(ctx, c.wireRequest(req, true))
	if err != nil {
		return nil, err
	}
	scanner := newSSEScanner(resp.Body)
	partial := map[int]*openAIToolCall{}
	var pending []StreamEvent
	var stream *EventStream
	finished := false

	flushToolCalls := func() {
		indexes := make([]int, 0, len(partial))
		for i := range partial {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := partial[i]
			args := tc.Function.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			pending = append(pending, StreamEvent{Type: EventToolCall, ToolCall: &ToolCall{
				ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(args),
			}})
		}
		partial = map[int]*openAIToolCall{}
	}

	next := func() (StreamEvent, error) {
		for {
			if len(pending) > 0 {
				ev := pending[0]
				pending = pending[1:]
				return ev, nil
			}
			if finished {
				return StreamEvent{}, io.EOF
			}
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("openai: reading stream: %w", err)
				}
				finished = true
				flushToolCalls()
				continue
			}
			data := scanner.Data()
			if data == doneSentinel {
				finished = true
				flushToolCalls()
				continue
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return StreamEvent{}, fmt.Errorf("openai: decoding chunk: %w", err)
			}
			for _, choice := range chunk.Choices {
				for _, d := range choice.Delta.ToolCalls {
					tc, ok := partial[d.Index]
					if !ok {
						tc = &openAIToolCall{Type: "function"}
						partial[d.Index] = tc
					}
					if d.ID != "" {
						tc.ID = d.ID
					}
					if d.Function.Name != "" {
						tc.Function.Name = d.Function.Name
					}
					tc.Function.Arguments += d.Function.Arguments
				}
				if choice.Delta.Content != "" {
					pending = append(pending, StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content})
				}
				if choice.FinishReason != "" {
					stream.SetFinishReason(choice.FinishReason)
				}
			}
		}
	}
	stream = NewEventStream(next, resp.Body)
	return stream, nil
}

func (c *OpenAI) do(ctx context.Context, wire openAIRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if wire.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readProviderError(resp)
	}
	return resp, nil
}

func (c *OpenAI) wireRequest(req Request, stream bool) openAIRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	wire := openAIRequest{
		Model:           model,
		Stream:          stream,
		ReasoningEffort: req.ReasoningEffort,
	}
	for _, m := range req.Messages {
		wm := openAIMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ResponseSchema != nil {
		wire.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   req.ResponseSchema.Name,
				Schema: req.ResponseSchema.Schema,
				Strict: true,
			},
		}
	}
	return wire
}

func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: string(body)}
}

type openAIRequest struct {
	Model           string                `json:"model"`
	Messages        []openAIMessage       `json:"messages"`
	Tools           []openAITool          `json:"tools,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
	ReasoningEffort string                `json:"reasoning_effort,omitempty"`
	ResponseFormat  *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int                `json:"index"`
				ID       string             `json:"id"`
				Function openAIFunctionCall `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

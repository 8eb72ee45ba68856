// Package agent runs the tool-calling conversation that co-authors an
// automation handler.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"evidenceflow/internal/core"
	"evidenceflow/internal/llm"
	"evidenceflow/internal/secrets"
	"evidenceflow/internal/store"
)

// Effort is the reasoning effort requested from the model.
type Effort string

const (
	EffortMinimal Effort = "minimal"
	EffortLow     Effort = "low"
	EffortMedium  Effort = "medium"
)

// ParseEffort validates an effort. An empty value selects low.
func ParseEffort(s string) (Effort, error) {
	switch Effort(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return EffortLow, nil
	case EffortMinimal:
		return EffortMinimal, nil
	case EffortLow:
		return EffortLow, nil
	case EffortMedium:
		return EffortMedium, nil
	default:
		return "", core.Invalid("parse effort", "reasoning effort must be one of minimal, low, medium, got %q", s)
	}
}

// DefaultMaxSteps bounds the number of model calls in one turn.
const DefaultMaxSteps = 12

// Turn is one user interaction with the agent.
type Turn struct {
	Automation      *core.Automation
	Messages        []llm.Message
	Model           string
	ReasoningEffort Effort
}

// Result is what a turn left behind.
type Result struct {
	// Messages are the assistant and tool messages produced by the turn.
	Messages []llm.Message
	State    core.AuthoringState
}

// Agent drives the model and executes its tool calls.
type Agent struct {
	provider llm.Provider
	tools    *Toolbox
	store    *store.Store
	secrets  *secrets.Service
	model    string
	maxSteps int
	logger   *slog.Logger
}

type Options struct {
	Provider llm.Provider
	Toolbox  *Toolbox
	Store    *store.Store
	Secrets  *secrets.Service
	Model    string
	MaxSteps int
	Logger   *slog.Logger
}

func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	steps := opts.MaxSteps
	if steps <= 0 {
		steps = DefaultMaxSteps
	}
	return &Agent{
		provider: opts.Provider,
		tools:    opts.Toolbox,
		store:    opts.Store,
		secrets:  opts.Secrets,
		model:    opts.Model,
		maxSteps: steps,
		logger:   logger.With("component", "agent"),
	}
}

// Run executes a turn, delivering events to sink in order. The turn ends
// when the model stops calling tools, a secret is requested, or the step
// bound is reached. The agent never promotes or invokes handlers.
func (ag *Agent) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	a := turn.Automation
	if a == nil {
		return nil, core.Invalid("agent turn", "automation is required")
	}
	if len(turn.Messages) == 0 {
		return nil, core.Invalid("agent turn", "at least one message is required")
	}
	effort := turn.ReasoningEffort
	if effort == "" {
		effort = EffortLow
	}
	model := turn.Model
	if model == "" {
		model = ag.model
	}
	logger := ag.logger.With("automation_id", a.ID, "org_id", a.OrganizationID)
	res := &Result{State: a.AuthoringState}

	setState := func(to core.AuthoringState) error {
		if res.State == to {
			return nil
		}
		from := res.State
		res.State = to
		return sink(StateChanged{From: from, To: to})
	}

	if a.AuthoringState == core.AuthoringBlockedOnSecret {
		outstanding, err := ag.secrets.Outstanding(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if len(outstanding) > 0 {
			var b strings.Builder
			for i, req := range outstanding {
				if i > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString(secrets.Render(secrets.Request{
					SecretName: req.Name, Description: req.Description, Category: req.Category,
					ExampleValue: req.ExampleValue, Reason: req.Reason,
				}))
			}
			if err := sink(TextDelta{Text: b.String()}); err != nil {
				return nil, err
			}
			res.Messages = append(res.Messages, llm.Message{Role: llm.RoleAssistant, Content: b.String()})
			return res, nil
		}
		a.AuthoringState = core.AuthoringDrafting
		if err := ag.store.UpdateAutomation(ctx, a); err != nil {
			return nil, err
		}
		if err := setState(core.AuthoringDrafting); err != nil {
			return nil, err
		}
	}

	system, err := ag.systemPrompt(ctx, a)
	if err != nil {
		return nil, err
	}
	history := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, turn.Messages...)
	tools := LLMTools()

	for step := 0; step < ag.maxSteps; step++ {
		stream, err := ag.provider.Stream(ctx, llm.Request{
			Model:           model,
			Messages:        history,
			Tools:           tools,
			ReasoningEffort: string(effort),
		})
		if err != nil {
			return nil, core.E(core.KindUnavailable, "agent turn", err)
		}
		if err := ag.drain(stream, sink); err != nil {
			stream.Close()
			return nil, err
		}
		stream.Close()
		reply := stream.Response()

		assistant := llm.Message{Role: llm.RoleAssistant, Content: reply.Content, ToolCalls: reply.ToolCalls}
		history = append(history, assistant)
		res.Messages = append(res.Messages, assistant)
		if len(reply.ToolCalls) == 0 {
			return res, nil
		}

		ended := false
		for _, call := range reply.ToolCalls {
			var msg llm.Message
			if ended {
				msg = llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: "skipped: waiting for the user to supply a secret"}
			} else {
				outcome := ag.execute(ctx, a, call)
				if err := sink(ToolResult{ID: call.ID, Name: call.Name, Content: outcome.Content, IsError: outcome.IsError}); err != nil {
					return nil, err
				}
				if err := setState(a.AuthoringState); err != nil {
					return nil, err
				}
				msg = llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: outcome.Content}
				ended = outcome.EndTurn
			}
			history = append(history, msg)
			res.Messages = append(res.Messages, msg)
		}
		if ended {
			logger.Info("turn suspended awaiting secret")
			return res, nil
		}
	}
	logger.Warn("turn reached step limit", "steps", ag.maxSteps)
	return res, nil
}

func (ag *Agent) drain(stream *llm.EventStream, sink Sink) error {
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return core.E(core.KindUnavailable, "agent stream", err)
		}
		switch ev.Type {
		case llm.EventTextDelta:
			if err := sink(TextDelta{Text: ev.Text}); err != nil {
				return err
			}
		case llm.EventToolCall:
			if err := sink(ToolCallRequested{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Arguments: ev.ToolCall.Arguments}); err != nil {
				return err
			}
		}
	}
}

func (ag *Agent) execute(ctx context.Context, a *core.Automation, call llm.ToolCall) Outcome {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return Outcome{Content: fmt.Sprintf("arguments are not a JSON object: %v", err), IsError: true}
		}
	}
	return ag.tools.Call(ctx, a, call.Name, args)
}

const systemPreamble = `You write evidence collection handlers for compliance automation.
A handler is a single JavaScript file that fetches data from an external system and prints the evidence as JSON on stdout.
Read credentials only from environment variables and declare every variable you read in the secrets list of write_script.
When a credential is missing, call request_secret and stop.
After writing the handler, create a sandbox and validate it. Fix failures until validation passes.
You cannot deploy or run the handler yourself; the user promotes it once it is validated.`

func (ag *Agent) systemPrompt(ctx context.Context, a *core.Automation) (string, error) {
	var b strings.Builder
	b.WriteString(systemPreamble)
	fmt.Fprintf(&b, "\n\nAutomation: %s\nOrganization: %s\nTask: %s\nHandler key: %s\nState: %s\n",
		a.Name, a.OrganizationID, a.TaskID, a.ScriptKey, a.AuthoringState)
	latest, err := ag.store.LatestRemediation(ctx, a.ID)
	switch {
	case errors.Is(err, store.ErrRemediationNotFound):
	case err != nil:
		return "", err
	default:
		fmt.Fprintf(&b, "\nThe last run %s failed. Suggested fix:\n%s\n", latest.RunID, string(latest.Fix))
	}
	return b.String(), nil
}

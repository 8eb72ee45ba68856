package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/sandbox"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/secrets"
	"evidenceflow/internal/store"
)

// ErrUnknownTool is returned for a tool name that is not declared.
var ErrUnknownTool = errors.New("unknown tool")

// ErrSandboxNotOwned is returned when a conversation uses a sandbox it did not create.
var ErrSandboxNotOwned = errors.New("sandbox is not owned by this automation")

// Outcome is the result of one tool call.
type Outcome struct {
	// Content is fed back to the model.
	Content string
	IsError bool
	// EndTurn stops the conversation until a human acts.
	EndTurn bool
}

// Toolbox executes tool calls on behalf of one automation at a time.
type Toolbox struct {
	store          *store.Store
	scripts        *scripts.Store
	secrets        *secrets.Service
	sandbox        sandbox.Host
	sandboxTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	owners map[string]*sandboxOwner
}

type sandboxOwner struct {
	automationID string
	wanted       bool
}

func NewToolbox(st *store.Store, sc *scripts.Store, sec *secrets.Service, host sandbox.Host, sandboxTimeout time.Duration, logger *slog.Logger) *Toolbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolbox{
		store:          st,
		scripts:        sc,
		secrets:        sec,
		sandbox:        host,
		sandboxTimeout: sandboxTimeout,
		logger:         logger.With("component", "toolbox"),
		owners:         make(map[string]*sandboxOwner),
	}
}

// Call runs the named tool for the automation. State changes are persisted
// on a; tool failures are reported in the Outcome so the model can react.
func (tb *Toolbox) Call(ctx context.Context, a *core.Automation, name string, args map[string]any) Outcome {
	if args == nil {
		args = map[string]any{}
	}
	var (
		out any
		err error
	)
	switch name {
	case ToolReadScript:
		out, err = tb.readScript(ctx, a, args)
	case ToolWriteScript:
		out, err = tb.writeScript(ctx, a, args)
	case ToolListScripts:
		out, err = tb.listScripts(ctx, a, args)
	case ToolRequestSecret:
		var msg string
		msg, err = tb.requestSecret(ctx, a, args)
		if err == nil {
			return Outcome{Content: msg, EndTurn: true}
		}
	case ToolCreateSandbox:
		out, err = tb.createSandbox(ctx, a, args)
	case ToolSandboxStatus:
		out, err = tb.sandboxStatus(ctx, a, args)
	case ToolValidateInSandbox:
		out, err = tb.validate(ctx, a, args)
	default:
		err = core.Invalid("tool call", "%w: %s", ErrUnknownTool, name)
	}
	if err != nil {
		tb.logger.Warn("tool call failed", "automation_id", a.ID, "tool", name, "err", err)
		return Outcome{Content: err.Error(), IsError: true}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return Outcome{Content: err.Error(), IsError: true}
	}
	return Outcome{Content: string(body)}
}

func (tb *Toolbox) readScript(ctx context.Context, a *core.Automation, args map[string]any) (any, error) {
	key := stringArg(args, "key")
	if key == "" {
		key = a.ScriptKey
	}
	if !strings.HasPrefix(key, a.OrganizationID+"/") {
		return nil, core.E(core.KindForbidden, "read script", fmt.Errorf("key %q is outside organization %s", key, a.OrganizationID))
	}
	obj, err := tb.scripts.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":      obj.Key,
		"content":  string(obj.Content),
		"metadata": obj.Metadata,
		"etag":     obj.ETag,
	}, nil
}

func (tb *Toolbox) writeScript(ctx context.Context, a *core.Automation, args map[string]any) (any, error) {
	content := stringArg(args, "content")
	if strings.TrimSpace(content) == "" {
		return nil, core.Invalid("write script", "content is required")
	}
	meta := core.ScriptMetadata{
		Runtime:   stringArg(args, "runtime"),
		Handler:   stringArg(args, "handler"),
		Packaging: stringArg(args, "packaging"),
		Language:  stringArg(args, "language"),
	}
	if meta.Runtime == "" || meta.Handler == "" {
		return nil, core.Invalid("write script", "runtime and handler are required")
	}
	if meta.Packaging == "" {
		meta.Packaging = "zip"
	}
	if meta.Language == "" {
		meta.Language = "javascript"
	}
	names, err := stringSliceArg(args, "secrets")
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if !secrets.ValidName(n) {
			return nil, core.Invalid("write script", "invalid secret name %q", n)
		}
	}
	meta.Secrets = names

	res, err := tb.scripts.Put(ctx, a.OrganizationID, a.TaskID, []byte(content), meta, "")
	if err != nil {
		return nil, err
	}
	a.ScriptKey = res.Key
	a.ValidatedHash = nil
	if a.AuthoringState != core.AuthoringBlockedOnSecret {
		a.AuthoringState = core.AuthoringDrafting
	}
	if err := tb.store.UpdateAutomation(ctx, a); err != nil {
		return nil, err
	}
	return res, nil
}

func (tb *Toolbox) listScripts(ctx context.Context, a *core.Automation, args map[string]any) (any, error) {
	limit := int(numberArg(args, "limit"))
	return tb.scripts.List(ctx, a.OrganizationID, limit)
}

func (tb *Toolbox) requestSecret(ctx context.Context, a *core.Automation, args map[string]any) (string, error) {
	req, err := secrets.ParseRequest(args)
	if err != nil {
		return "", err
	}
	if _, err := tb.secrets.Raise(ctx, a, req); err != nil {
		return "", err
	}
	a.AuthoringState = core.AuthoringBlockedOnSecret
	if err := tb.store.UpdateAutomation(ctx, a); err != nil {
		return "", err
	}
	return secrets.Render(req), nil
}

func (tb *Toolbox) createSandbox(ctx context.Context, a *core.Automation, args map[string]any) (any, error) {
	timeout := tb.sandboxTimeout
	// Requested lifetimes are capped at the configured timeout.
	if secs := numberArg(args, "timeoutSeconds"); secs > 0 && secs < tb.sandboxTimeout.Seconds() {
		timeout = time.Duration(secs * float64(time.Second))
	}
	sess, err := tb.sandbox.Create(ctx, timeout)
	if err != nil {
		return nil, err
	}
	tb.mu.Lock()
	tb.owners[sess.ID] = &sandboxOwner{automationID: a.ID, wanted: true}
	tb.mu.Unlock()
	return sess, nil
}

func (tb *Toolbox) ownedSandbox(a *core.Automation, args map[string]any) (string, error) {
	id := stringArg(args, "sandboxId")
	if id == "" {
		return "", core.Invalid("sandbox", "sandboxId is required")
	}
	tb.mu.Lock()
	owner, ok := tb.owners[id]
	tb.mu.Unlock()
	if !ok || owner.automationID != a.ID {
		return "", core.E(core.KindForbidden, "sandbox", ErrSandboxNotOwned)
	}
	return id, nil
}

// Release marks a stopped session as no longer wanted. Ownership is kept.
func (tb *Toolbox) Release(sandboxID string) {
	tb.mu.Lock()
	if owner, ok := tb.owners[sandboxID]; ok {
		owner.wanted = false
	}
	tb.mu.Unlock()
}

func (tb *Toolbox) sandboxStatus(ctx context.Context, a *core.Automation, args map[string]any) (any, error) {
	id, err := tb.ownedSandbox(a, args)
	if err != nil {
		return nil, err
	}
	observed, err := tb.sandbox.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	tb.mu.Lock()
	wanted := tb.owners[id].wanted
	tb.mu.Unlock()
	return map[string]any{"sandboxId": id, "status": sandbox.ReportedStatus(wanted, observed)}, nil
}

func (tb *Toolbox) validate(ctx context.Context, a *core.Automation, args map[string]any) (any, error) {
	id, err := tb.ownedSandbox(a, args)
	if err != nil {
		return nil, err
	}
	obj, err := tb.scripts.Get(ctx, a.ScriptKey)
	if err != nil {
		return nil, err
	}
	env, err := tb.secrets.Env(ctx, a.OrganizationID, obj.Metadata.Secrets)
	if err != nil {
		return nil, err
	}
	res, err := tb.sandbox.Validate(ctx, id, obj, env)
	if err != nil {
		return nil, err
	}
	if res.Passed {
		hash := res.ContentHash
		a.ValidatedHash = &hash
		outstanding, err := tb.secrets.Outstanding(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if len(outstanding) == 0 {
			a.AuthoringState = core.AuthoringReadyToPromote
		}
		if err := tb.store.UpdateAutomation(ctx, a); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, core.Invalid("tool call", "%s must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, core.Invalid("tool call", "%s must be a list of strings", key)
	}
}

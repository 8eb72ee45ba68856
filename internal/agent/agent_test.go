package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/llm"
	"evidenceflow/internal/llm/llmtest"
	"evidenceflow/internal/logging"
	"evidenceflow/internal/sandbox"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/secrets"
	"evidenceflow/internal/store"
)

type fakeHost struct {
	mu       sync.Mutex
	status   map[string]sandbox.Status
	lastEnv  map[string]string
	validate int
	timeouts []time.Duration
}

func newFakeHost() *fakeHost {
	return &fakeHost{status: map[string]sandbox.Status{}}
}

func (h *fakeHost) Create(ctx context.Context, timeout time.Duration) (*sandbox.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	h.status["sbx_1"] = sandbox.StatusRunning
	h.timeouts = append(h.timeouts, timeout)
	return &sandbox.Session{ID: "sbx_1", Status: sandbox.StatusRunning, CreatedAt: now, ExpiresAt: now.Add(timeout)}, nil
}

func (h *fakeHost) Status(ctx context.Context, id string) (sandbox.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.status[id]
	if !ok {
		return "", sandbox.ErrSessionNotFound
	}
	return s, nil
}

func (h *fakeHost) Stop(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[id] = sandbox.StatusStopped
	return nil
}

func (h *fakeHost) Validate(ctx context.Context, id string, obj *scripts.Object, env map[string]string) (*sandbox.ValidationResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.validate++
	h.lastEnv = env
	return &sandbox.ValidationResult{
		Passed:      true,
		ContentHash: scripts.ContentHash(obj.Content),
		Output:      json.RawMessage(`{"users":3}`),
	}, nil
}

type fixture struct {
	store   *store.Store
	scripts *scripts.Store
	secrets *secrets.Service
	host    *fakeHost
	toolbox *Toolbox
	auto    *core.Automation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	st, err := store.Open(ctx, dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	backend, err := scripts.NewFSBackend(filepath.Join(dir, "bucket"))
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	sc := scripts.NewStore(backend, logging.Discard())
	vault, err := secrets.OpenVault(filepath.Join(dir, "vault.key"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	sec := secrets.NewService(st, vault, logging.Discard())
	host := newFakeHost()
	a := &core.Automation{
		ID: core.NewAutomationID(), OrganizationID: "org_1", TaskID: "tsk_1", Name: "IAM users",
		Status: core.AutomationStatusDraft, AuthoringState: core.AuthoringDrafting, ScriptKey: "org_1/tsk_1.js",
	}
	if err := st.InsertAutomation(ctx, a); err != nil {
		t.Fatalf("insert automation: %v", err)
	}
	return &fixture{
		store: st, scripts: sc, secrets: sec, host: host, auto: a,
		toolbox: NewToolbox(st, sc, sec, host, sandbox.DefaultTimeout, logging.Discard()),
	}
}

func (f *fixture) agent(p llm.Provider) *Agent {
	return New(Options{Provider: p, Toolbox: f.toolbox, Store: f.store, Secrets: f.secrets, Model: "gpt-test", Logger: logging.Discard()})
}

func call(id, name string, args map[string]any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}

func collect(events *[]Event) Sink {
	return func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

const handlerSource = `const token = process.env.GITHUB_TOKEN; console.log(JSON.stringify({ users: 3 }))`

func TestAuthoringStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := llmtest.New(
		llmtest.Reply{Text: "Drafting the handler.", ToolCalls: []llm.ToolCall{call("c1", ToolWriteScript, map[string]any{
			"content": handlerSource, "runtime": "nodejs20.x", "handler": "index.handler", "secrets": []string{"GITHUB_TOKEN"},
		})}},
		llmtest.Reply{ToolCalls: []llm.ToolCall{
			call("c2", ToolRequestSecret, map[string]any{
				"secretName": "GITHUB_TOKEN", "description": "GitHub token", "category": "api_key", "reason": "list members",
			}),
			call("c3", ToolCreateSandbox, map[string]any{}),
		}},
	)
	var events []Event
	res, err := f.agent(p).Run(ctx, Turn{
		Automation:      f.auto,
		Messages:        []llm.Message{{Role: llm.RoleUser, Content: "collect GitHub org members weekly"}},
		ReasoningEffort: EffortLow,
	}, collect(&events))
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if res.State != core.AuthoringBlockedOnSecret {
		t.Fatalf("state = %s", res.State)
	}
	if _, ok := events[0].(TextDelta); !ok {
		t.Fatalf("first event = %#v", events[0])
	}
	var sawBlocked bool
	for _, ev := range events {
		if sc, ok := ev.(StateChanged); ok && sc.To == core.AuthoringBlockedOnSecret {
			sawBlocked = true
		}
		if tr, ok := ev.(ToolResult); ok && tr.Name == ToolCreateSandbox {
			t.Fatal("tool after request_secret must not run")
		}
	}
	if !sawBlocked {
		t.Fatalf("no blocked transition in %#v", events)
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "c3" || !strings.HasPrefix(last.Content, "skipped") {
		t.Fatalf("last message = %+v", last)
	}
	obj, err := f.scripts.Get(ctx, "org_1/tsk_1.js")
	if err != nil || string(obj.Content) != handlerSource {
		t.Fatalf("stored script = %v, %v", obj, err)
	}
	reqs := p.Requests()
	if len(reqs) != 2 || reqs[0].ReasoningEffort != "low" || reqs[0].Model != "gpt-test" || len(reqs[0].Tools) != 7 {
		t.Fatalf("requests = %+v", reqs)
	}

	// While the secret is outstanding the model is not called.
	events = nil
	res, err = f.agent(p).Run(ctx, Turn{Automation: f.auto, Messages: []llm.Message{{Role: llm.RoleUser, Content: "continue"}}}, collect(&events))
	if err != nil {
		t.Fatalf("blocked turn: %v", err)
	}
	if len(p.Requests()) != 2 {
		t.Fatal("model called while blocked on secret")
	}
	if td, ok := events[0].(TextDelta); !ok || !strings.Contains(td.Text, "GITHUB_TOKEN") {
		t.Fatalf("blocked turn events = %#v", events)
	}

	if _, err := f.secrets.Resolve(ctx, "org_1", "GITHUB_TOKEN", "ghp_1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.auto, _ = f.store.GetAutomation(ctx, f.auto.ID)
	if f.auto.AuthoringState != core.AuthoringDrafting {
		t.Fatalf("after resolve state = %s", f.auto.AuthoringState)
	}

	p = llmtest.New(
		llmtest.Reply{ToolCalls: []llm.ToolCall{call("c4", ToolCreateSandbox, map[string]any{"timeoutSeconds": 600})}},
		llmtest.Reply{ToolCalls: []llm.ToolCall{call("c5", ToolValidateInSandbox, map[string]any{"sandboxId": "sbx_1"})}},
		llmtest.Reply{Text: "Validated. Ready to promote."},
	)
	events = nil
	res, err = f.agent(p).Run(ctx, Turn{Automation: f.auto, Messages: []llm.Message{{Role: llm.RoleUser, Content: "token added"}}}, collect(&events))
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if res.State != core.AuthoringReadyToPromote {
		t.Fatalf("state = %s", res.State)
	}
	if f.host.lastEnv["GITHUB_TOKEN"] != "ghp_1" {
		t.Fatalf("sandbox env = %v", f.host.lastEnv)
	}
	stored, _ := f.store.GetAutomation(ctx, f.auto.ID)
	if stored.ValidatedHash == nil || *stored.ValidatedHash != scripts.ContentHash([]byte(handlerSource)) {
		t.Fatalf("validated hash = %v", stored.ValidatedHash)
	}

	// Rewriting the handler drops the validation.
	out := f.toolbox.Call(ctx, stored, ToolWriteScript, map[string]any{
		"content": handlerSource + "\n", "runtime": "nodejs20.x", "handler": "index.handler",
	})
	if out.IsError {
		t.Fatalf("write: %s", out.Content)
	}
	stored, _ = f.store.GetAutomation(ctx, f.auto.ID)
	if stored.ValidatedHash != nil || stored.AuthoringState != core.AuthoringDrafting {
		t.Fatalf("after rewrite hash=%v state=%s", stored.ValidatedHash, stored.AuthoringState)
	}
}

func TestSystemPromptCarriesLatestRemediation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fix := &core.Remediation{RunID: "run_9", AutomationID: f.auto.ID, Fix: json.RawMessage(`{"summary":"token expired"}`)}
	if err := f.store.InsertRemediation(ctx, fix); err != nil {
		t.Fatalf("insert remediation: %v", err)
	}
	p := llmtest.New(llmtest.Reply{Text: "ok"})
	if _, err := f.agent(p).Run(ctx, Turn{Automation: f.auto, Messages: []llm.Message{{Role: llm.RoleUser, Content: "why did it fail?"}}}, func(Event) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	system := p.Requests()[0].Messages[0]
	if system.Role != llm.RoleSystem || !strings.Contains(system.Content, "token expired") || !strings.Contains(system.Content, "run_9") {
		t.Fatalf("system prompt = %q", system.Content)
	}
}

func TestToolErrorsAreReportedToModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name string
		args map[string]any
	}{
		{"nope", nil},
		{ToolReadScript, map[string]any{"key": "org_2/tsk_1.js"}},
		{ToolWriteScript, map[string]any{"content": "x"}},
		{ToolRequestSecret, map[string]any{"secretName": "lower", "description": "d", "reason": "r"}},
		{ToolSandboxStatus, map[string]any{}},
	}
	for _, tc := range cases {
		out := f.toolbox.Call(ctx, f.auto, tc.name, tc.args)
		if !out.IsError || out.EndTurn {
			t.Errorf("%s: outcome = %+v", tc.name, out)
		}
	}
}

func TestSandboxOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if out := f.toolbox.Call(ctx, f.auto, ToolCreateSandbox, nil); out.IsError {
		t.Fatalf("create: %s", out.Content)
	}
	other := *f.auto
	other.ID = "aut_other"
	out := f.toolbox.Call(ctx, &other, ToolSandboxStatus, map[string]any{"sandboxId": "sbx_1"})
	if !out.IsError || !strings.Contains(out.Content, ErrSandboxNotOwned.Error()) {
		t.Fatalf("foreign status = %+v", out)
	}

	f.host.Stop(ctx, "sbx_1")
	out = f.toolbox.Call(ctx, f.auto, ToolSandboxStatus, map[string]any{"sandboxId": "sbx_1"})
	if out.IsError || !strings.Contains(out.Content, `"running"`) {
		t.Fatalf("wanted stopped sandbox status = %+v", out)
	}
	f.toolbox.Release("sbx_1")
	out = f.toolbox.Call(ctx, f.auto, ToolSandboxStatus, map[string]any{"sandboxId": "sbx_1"})
	if out.IsError || !strings.Contains(out.Content, `"stopped"`) {
		t.Fatalf("released sandbox status = %+v", out)
	}
}

func TestSandboxUnknownToConversationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.host.status["sbx_api"] = sandbox.StatusRunning
	for _, name := range []string{ToolSandboxStatus, ToolValidateInSandbox} {
		out := f.toolbox.Call(ctx, f.auto, name, map[string]any{"sandboxId": "sbx_api"})
		if !out.IsError || !strings.Contains(out.Content, ErrSandboxNotOwned.Error()) {
			t.Fatalf("%s on unknown sandbox = %+v", name, out)
		}
	}
	if f.host.validate != 0 {
		t.Fatalf("validate ran %d times", f.host.validate)
	}
}

func TestSandboxLifetimeCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, secs := range []float64{9000000000, 60} {
		if out := f.toolbox.Call(ctx, f.auto, ToolCreateSandbox, map[string]any{"timeoutSeconds": secs}); out.IsError {
			t.Fatalf("create: %s", out.Content)
		}
	}
	want := []time.Duration{sandbox.DefaultTimeout, time.Minute}
	if len(f.host.timeouts) != len(want) {
		t.Fatalf("created %d sandboxes, want %d", len(f.host.timeouts), len(want))
	}
	for i, got := range f.host.timeouts {
		if got != want[i] {
			t.Fatalf("timeout[%d] = %s, want %s", i, got, want[i])
		}
	}
}

func TestParseEffort(t *testing.T) {
	for in, want := range map[string]Effort{"": EffortLow, "minimal": EffortMinimal, "LOW": EffortLow, "medium": EffortMedium} {
		got, err := ParseEffort(in)
		if err != nil || got != want {
			t.Errorf("ParseEffort(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseEffort("high"); core.KindOf(err) != core.KindValidation {
		t.Fatalf("high error = %v", err)
	}
}

func TestDefinitionsScope(t *testing.T) {
	for _, d := range Definitions(false) {
		found := false
		for _, r := range d.InputSchema.Required {
			if r == ArgAutomationID {
				found = true
			}
		}
		if !found {
			t.Errorf("%s lacks %s", d.Name, ArgAutomationID)
		}
	}
	for _, tool := range LLMTools() {
		if strings.Contains(string(tool.Parameters), ArgAutomationID) {
			t.Errorf("%s exposes %s to the model", tool.Name, ArgAutomationID)
		}
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema["type"] != "object" {
			t.Errorf("%s parameters = %s", tool.Name, tool.Parameters)
		}
	}
}

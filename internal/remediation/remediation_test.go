package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"evidenceflow/internal/core"
	"evidenceflow/internal/llm/llmtest"
	"evidenceflow/internal/logging"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/store"
)

const validFix = `{
	"summary": "Read the token from GITHUB_TOKEN",
	"rootCause": "401 Bad credentials: the handler reads GH_TOKEN which is never set",
	"category": "credentials",
	"confidence": 0.8,
	"steps": ["Rename GH_TOKEN to GITHUB_TOKEN"],
	"patchedSource": "console.log(process.env.GITHUB_TOKEN ? '{}' : 'null')"
}`

type fixture struct {
	store   *store.Store
	scripts *scripts.Store
	auto    *core.Automation
	deploy  *core.Deployment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
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

	meta := core.ScriptMetadata{Runtime: "nodejs20.x", Handler: "index.handler", Packaging: "inline", Language: "javascript"}
	content := []byte("console.log(process.env.GH_TOKEN)")
	res, err := sc.Put(ctx, "org_1", "tsk_1", content, meta, "")
	if err != nil {
		t.Fatalf("put script: %v", err)
	}
	hash := scripts.ContentHash(content)
	a := &core.Automation{
		ID: core.NewAutomationID(), OrganizationID: "org_1", TaskID: "tsk_1", Name: "IAM users",
		Status: core.AutomationStatusActive, AuthoringState: core.AuthoringReadyToPromote,
		ScriptKey: res.Key, ValidatedHash: &hash,
	}
	if err := st.InsertAutomation(ctx, a); err != nil {
		t.Fatalf("insert automation: %v", err)
	}
	d := &core.Deployment{
		ID: core.NewDeploymentID(), AutomationID: a.ID, ScriptKey: res.Key,
		ContentHash: hash, Content: content, Metadata: meta,
	}
	if err := st.InsertDeployment(ctx, d); err != nil {
		t.Fatalf("insert deployment: %v", err)
	}
	return &fixture{store: st, scripts: sc, auto: a, deploy: d}
}

func (f *fixture) failedRun(t *testing.T) *core.Run {
	t.Helper()
	run := &core.Run{
		ID: core.NewRunID(), AutomationID: f.auto.ID, DeploymentID: f.deploy.ID,
		Trigger: core.TriggerScheduled, Status: core.RunStatusFailed,
		Error: json.RawMessage(`{"message":"handler exited with a non-zero status","exitCode":1,"logs":["HttpError: Bad credentials","status: 401"]}`),
	}
	if err := f.store.InsertRun(context.Background(), run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return run
}

func TestProposeRejectsEmptyInputWithoutModelCall(t *testing.T) {
	p := llmtest.New(llmtest.Reply{Text: validFix})
	s := NewService(Options{Provider: p, Logger: logging.Discard()})
	for _, lines := range [][]string{nil, {}, {"", "   ", "\n"}} {
		_, err := s.Propose(context.Background(), lines)
		if !errors.Is(err, ErrInvalidInput) || core.KindOf(err) != core.KindValidation {
			t.Fatalf("Propose(%q) error = %v", lines, err)
		}
	}
	if n := len(p.Requests()); n != 0 {
		t.Fatalf("model called %d times", n)
	}
}

func TestProposeRequestsSchemaAndParses(t *testing.T) {
	p := llmtest.New(llmtest.Reply{Text: validFix})
	s := NewService(Options{Provider: p, Model: "gpt-test", Logger: logging.Discard()})
	fix, err := s.Propose(context.Background(), []string{"HttpError: Bad credentials", "status: 401"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if fix.Category != CategoryCredentials || fix.Confidence != 0.8 || len(fix.Steps) != 1 {
		t.Fatalf("fix = %+v", fix)
	}
	reqs := p.Requests()
	if len(reqs) != 1 || reqs[0].ResponseSchema == nil || reqs[0].ResponseSchema.Name != "structured_fix" {
		t.Fatalf("request = %+v", reqs)
	}
	var schema map[string]any
	if err := json.Unmarshal(reqs[0].ResponseSchema.Schema, &schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("schema type = %v", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Fatal("schema carries $schema")
	}
	props, _ := schema["properties"].(map[string]any)
	category, _ := props["category"].(map[string]any)
	if enum, _ := category["enum"].([]any); len(enum) != 6 {
		t.Fatalf("category enum = %v", category["enum"])
	}
	if !strings.Contains(reqs[0].Messages[1].Content, "Bad credentials") {
		t.Fatalf("user message = %q", reqs[0].Messages[1].Content)
	}
}

func TestProposeRejectsInvalidOutput(t *testing.T) {
	cases := map[string]string{
		"not json":       "I think the token is wrong",
		"bad category":   `{"summary":"s","rootCause":"r","category":"cosmic","confidence":0.5,"steps":["a"],"patchedSource":""}`,
		"confidence":     `{"summary":"s","rootCause":"r","category":"code","confidence":1.5,"steps":["a"],"patchedSource":""}`,
		"no steps":       `{"summary":"s","rootCause":"r","category":"code","confidence":0.5,"steps":[],"patchedSource":""}`,
		"unknown fields": `{"summary":"s","rootCause":"r","category":"code","confidence":0.5,"steps":["a"],"patchedSource":"","extra":1}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewService(Options{Provider: llmtest.New(llmtest.Reply{Text: out}), Logger: logging.Discard()})
			_, err := s.Propose(context.Background(), []string{"boom"})
			if !errors.Is(err, ErrInvalidFix) {
				t.Fatalf("error = %v", err)
			}
		})
	}
}

func TestSuggestDegradesToNil(t *testing.T) {
	p := llmtest.New(llmtest.Reply{Err: errors.New("provider down")}, llmtest.Reply{Text: "{}"})
	s := NewService(Options{Provider: p, Logger: logging.Discard()})
	if fix := s.Suggest(context.Background(), []string{"boom"}); fix != nil {
		t.Fatalf("provider error fix = %+v", fix)
	}
	if fix := s.Suggest(context.Background(), []string{"boom"}); fix != nil {
		t.Fatalf("invalid output fix = %+v", fix)
	}
	if fix := s.Suggest(context.Background(), nil); fix != nil {
		t.Fatalf("empty input fix = %+v", fix)
	}
}

func TestSuggestRateLimited(t *testing.T) {
	p := llmtest.New(llmtest.Reply{Text: validFix}, llmtest.Reply{Text: validFix})
	s := NewService(Options{Provider: p, RatePerMinute: 1, Logger: logging.Discard()})
	if fix := s.Suggest(context.Background(), []string{"boom"}); fix == nil {
		t.Fatal("first suggestion missing")
	}
	if fix := s.Suggest(context.Background(), []string{"boom"}); fix != nil {
		t.Fatal("second suggestion not limited")
	}
	if n := len(p.Requests()); n != 1 {
		t.Fatalf("model called %d times", n)
	}
}

func TestForwardFailureRecordsWithoutTouchingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.failedRun(t)
	p := llmtest.New(llmtest.Reply{Text: validFix})
	s := NewService(Options{Provider: p, Store: f.store, Scripts: f.scripts, Logger: logging.Discard()})

	s.ForwardFailure(ctx, run)

	rem, err := f.store.LatestRemediation(ctx, f.auto.ID)
	if err != nil {
		t.Fatalf("latest remediation: %v", err)
	}
	if rem.RunID != run.ID || rem.Applied {
		t.Fatalf("remediation = %+v", rem)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != core.RunStatusFailed || string(got.Error) != string(run.Error) {
		t.Fatalf("run changed: %+v", got)
	}
	if !strings.Contains(p.Requests()[0].Messages[1].Content, "process.env.GH_TOKEN") {
		t.Fatal("deployed source not sent to the model")
	}
	a, _ := f.store.GetAutomation(ctx, f.auto.ID)
	if a.ValidatedHash == nil {
		t.Fatal("validation cleared without auto-apply")
	}
}

func TestForwardFailureAutoApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.failedRun(t)
	s := NewService(Options{
		Provider: llmtest.New(llmtest.Reply{Text: validFix}), Store: f.store, Scripts: f.scripts,
		AutoApply: true, Logger: logging.Discard(),
	})

	s.ForwardFailure(ctx, run)

	rem, err := f.store.LatestRemediation(ctx, f.auto.ID)
	if err != nil || !rem.Applied {
		t.Fatalf("remediation = %+v err=%v", rem, err)
	}
	a, _ := f.store.GetAutomation(ctx, f.auto.ID)
	if a.ValidatedHash != nil || a.AuthoringState != core.AuthoringDrafting {
		t.Fatalf("automation = %+v", a)
	}
	obj, err := f.scripts.Get(ctx, a.ScriptKey)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if !strings.Contains(string(obj.Content), "GITHUB_TOKEN") || obj.Metadata.Runtime != "nodejs20.x" {
		t.Fatalf("script = %q meta=%+v", obj.Content, obj.Metadata)
	}
	d, _ := f.store.GetDeployment(ctx, f.deploy.ID)
	if string(d.Content) != "console.log(process.env.GH_TOKEN)" {
		t.Fatal("deployment snapshot changed")
	}
}

func TestForwardFailureWithoutFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.failedRun(t)
	s := NewService(Options{Provider: llmtest.New(llmtest.Reply{Err: errors.New("down")}), Store: f.store, Logger: logging.Discard()})
	s.ForwardFailure(ctx, run)
	if _, err := f.store.LatestRemediation(ctx, f.auto.ID); !errors.Is(err, store.ErrRemediationNotFound) {
		t.Fatalf("latest remediation error = %v", err)
	}
}

func TestLogLines(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    []string
	}{
		{"failure object", `{"message":"m","logs":["a","b"]}`, []string{"m", "a", "b"}},
		{"string", `"line1\nline2"`, []string{"line1", "line2"}},
		{"other", `{"code":7}`, []string{`{"code":7}`}},
		{"empty", ``, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := LogLines(json.RawMessage(tc.payload))
			if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
				t.Fatalf("LogLines = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCleanLinesTrimsOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("a", maxLineLength-1) + "é" + "tail"
	got := cleanLines([]string{long, "   ", "ok\r\n"})
	if len(got) != 2 || got[1] != "ok" {
		t.Fatalf("cleanLines = %d lines, second %q", len(got), got[len(got)-1])
	}
	if !utf8.ValidString(got[0]) {
		t.Fatal("trimmed line is not valid UTF-8")
	}
	if len(got[0]) != maxLineLength-1 {
		t.Fatalf("trimmed length = %d, want %d", len(got[0]), maxLineLength-1)
	}
}

package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evidenceflow/internal/core"
	"evidenceflow/internal/logging"
	"evidenceflow/internal/store"
)

func TestParseRequest(t *testing.T) {
	cases := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{
			name: "complete",
			args: map[string]any{
				"secretName": "GITHUB_TOKEN", "description": "GitHub PAT", "category": "api_key",
				"exampleValue": "ghp_xxx", "reason": "list organization members",
			},
		},
		{
			name: "category defaults",
			args: map[string]any{"secretName": "AWS_KEY_1", "description": "key", "reason": "read IAM"},
		},
		{name: "lowercase name", args: map[string]any{"secretName": "github_token", "description": "d", "reason": "r"}, wantErr: true},
		{name: "dash in name", args: map[string]any{"secretName": "GITHUB-TOKEN", "description": "d", "reason": "r"}, wantErr: true},
		{name: "missing name", args: map[string]any{"description": "d", "reason": "r"}, wantErr: true},
		{name: "missing reason", args: map[string]any{"secretName": "A", "description": "d"}, wantErr: true},
		{name: "non-string", args: map[string]any{"secretName": 42, "description": "d", "reason": "r"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", req)
				}
				if core.KindOf(err) != core.KindValidation {
					t.Fatalf("kind = %s", core.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if req.Category == "" {
				t.Fatal("category not defaulted")
			}
		})
	}
}

func TestRenderBlocksConversation(t *testing.T) {
	msg := Render(Request{
		SecretName: "GITHUB_TOKEN", Description: "GitHub PAT", Category: "api_key",
		ExampleValue: "ghp_xxx", Reason: "list organization members",
	})
	for _, want := range []string{"GITHUB_TOKEN", "GitHub PAT", "list organization members", "ghp_xxx", "resume"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestVaultPersistsIdentity(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "vault.key")
	v1, err := OpenVault(keyPath)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}
	sealed, err := v1.Seal([]byte("s3cret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "s3cret") {
		t.Fatal("ciphertext leaks plaintext")
	}
	v2, err := OpenVault(keyPath)
	if err != nil {
		t.Fatalf("reopen vault: %v", err)
	}
	plain, err := v2.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "s3cret" {
		t.Fatalf("plaintext = %q", plain)
	}
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	vault, err := OpenVault(filepath.Join(dir, "vault.key"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return NewService(st, vault, logging.Discard()), st
}

func seed(t *testing.T, st *store.Store, org, task string) *core.Automation {
	t.Helper()
	a := &core.Automation{
		ID: core.NewAutomationID(), OrganizationID: org, TaskID: task, Name: task,
		Status: core.AutomationStatusDraft, AuthoringState: core.AuthoringBlockedOnSecret,
		ScriptKey: org + "/" + task + ".js",
	}
	if err := st.InsertAutomation(context.Background(), a); err != nil {
		t.Fatalf("insert automation: %v", err)
	}
	return a
}

func TestResolveUnblocksAutomations(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	a := seed(t, st, "org_1", "tsk_1")
	for _, name := range []string{"GITHUB_TOKEN", "SLACK_TOKEN"} {
		if _, err := svc.Raise(ctx, a, Request{SecretName: name, Description: "d", Reason: "r"}); err != nil {
			t.Fatalf("raise %s: %v", name, err)
		}
	}

	if _, err := svc.Resolve(ctx, "org_1", "GITHUB_TOKEN", "ghp_1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := st.GetAutomation(ctx, a.ID)
	if got.AuthoringState != core.AuthoringBlockedOnSecret {
		t.Fatalf("state = %s, want still blocked", got.AuthoringState)
	}
	outstanding, err := svc.Outstanding(ctx, a.ID)
	if err != nil || len(outstanding) != 1 || outstanding[0].Name != "SLACK_TOKEN" {
		t.Fatalf("outstanding = %v, %v", outstanding, err)
	}

	if _, err := svc.Resolve(ctx, "org_1", "SLACK_TOKEN", "xoxb-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ = st.GetAutomation(ctx, a.ID)
	if got.AuthoringState != core.AuthoringDrafting {
		t.Fatalf("state = %s, want drafting", got.AuthoringState)
	}

	env, err := svc.Env(ctx, "org_1", []string{"GITHUB_TOKEN", "SLACK_TOKEN"})
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if env["GITHUB_TOKEN"] != "ghp_1" || env["SLACK_TOKEN"] != "xoxb-1" {
		t.Fatalf("env = %v", env)
	}
}

func TestUnresolvedAndEnvGating(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Resolve(ctx, "org_1", "GITHUB_TOKEN", "ghp_1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	missing, err := svc.Unresolved(ctx, "org_1", []string{"GITHUB_TOKEN", "AWS_KEY"})
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(missing) != 1 || missing[0] != "AWS_KEY" {
		t.Fatalf("missing = %v", missing)
	}
	_, err = svc.Env(ctx, "org_2", []string{"GITHUB_TOKEN"})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("cross-org env error = %v", err)
	}
	if _, err := svc.Resolve(ctx, "org_1", "bad-name", "v"); core.KindOf(err) != core.KindValidation {
		t.Fatalf("invalid name kind = %s", core.KindOf(err))
	}
	if _, err := svc.Resolve(ctx, "org_1", "EMPTY", ""); core.KindOf(err) != core.KindValidation {
		t.Fatalf("empty value kind = %s", core.KindOf(err))
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"evidenceflow/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAutomation(t *testing.T, st *Store, org, task string) *core.Automation {
	t.Helper()
	a := &core.Automation{
		ID:             core.NewAutomationID(),
		OrganizationID: org,
		TaskID:         task,
		Name:           "evidence for " + task,
		Status:         core.AutomationStatusDraft,
		AuthoringState: core.AuthoringDrafting,
		ScriptKey:      org + "/" + task + ".js",
	}
	if err := st.InsertAutomation(context.Background(), a); err != nil {
		t.Fatalf("insert automation: %v", err)
	}
	return a
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()
	second, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	if err := second.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAutomationOnePerTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, st, "org_1", "tsk_1")

	dup := &core.Automation{
		ID:             core.NewAutomationID(),
		OrganizationID: "org_1",
		TaskID:         "tsk_1",
		Status:         core.AutomationStatusDraft,
		AuthoringState: core.AuthoringDrafting,
		ScriptKey:      "org_1/tsk_1.js",
	}
	if err := st.InsertAutomation(ctx, dup); !errors.Is(err, ErrAutomationExists) {
		t.Fatalf("duplicate insert error = %v, want ErrAutomationExists", err)
	}

	got, err := st.GetAutomationByTask(ctx, "tsk_1")
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("got automation %s, want %s", got.ID, a.ID)
	}

	hash := "abc"
	cron := "0 9 * * 1"
	got.ValidatedHash = &hash
	got.Cron = &cron
	got.Status = core.AutomationStatusActive
	if err := st.UpdateAutomation(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := st.GetAutomation(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ValidatedHash == nil || *reloaded.ValidatedHash != hash {
		t.Fatalf("validated hash = %v", reloaded.ValidatedHash)
	}
	if reloaded.Cron == nil || *reloaded.Cron != cron {
		t.Fatalf("cron = %v", reloaded.Cron)
	}
	active := core.AutomationStatusActive
	list, err := st.ListAutomations(ctx, &active)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("active automations = %d, want 1", len(list))
	}

	if _, err := st.GetAutomation(ctx, "aut_missing"); !errors.Is(err, ErrAutomationNotFound) {
		t.Fatalf("missing automation error = %v", err)
	}
}

func TestDeploymentSnapshot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, st, "org_1", "tsk_1")
	d := &core.Deployment{
		ID:           core.NewDeploymentID(),
		AutomationID: a.ID,
		ScriptKey:    a.ScriptKey,
		ContentHash:  "h1",
		Content:      []byte("export const handler = async () => ({ ok: true })"),
		Metadata: core.ScriptMetadata{
			Runtime: "nodejs20.x", Handler: "index.handler", Packaging: "zip", Language: "javascript",
			Secrets: []string{"GITHUB_TOKEN"},
		},
	}
	if err := st.InsertDeployment(ctx, d); err != nil {
		t.Fatalf("insert deployment: %v", err)
	}
	got, err := st.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if string(got.Content) != string(d.Content) {
		t.Fatalf("content = %q", got.Content)
	}
	if got.Metadata.Handler != "index.handler" || len(got.Metadata.Secrets) != 1 {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
}

func TestRunTransitionsAreMonotonic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, st, "org_1", "tsk_1")
	run := &core.Run{
		ID:           core.NewRunID(),
		AutomationID: a.ID,
		DeploymentID: "dep_1",
		Trigger:      core.TriggerManual,
		Status:       core.RunStatusPending,
	}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	now := time.Now().UTC()
	applied, err := st.MarkRunStarted(ctx, run.ID, now)
	if err != nil || !applied {
		t.Fatalf("start: applied=%v err=%v", applied, err)
	}
	applied, err = st.MarkRunStarted(ctx, run.ID, now)
	if err != nil || applied {
		t.Fatalf("second start: applied=%v err=%v", applied, err)
	}

	applied, err = st.MarkRunFinished(ctx, run.ID, core.RunStatusCompleted, now, json.RawMessage(`{"ok":true}`), nil)
	if err != nil || !applied {
		t.Fatalf("finish: applied=%v err=%v", applied, err)
	}
	applied, err = st.MarkRunFinished(ctx, run.ID, core.RunStatusFailed, now, nil, json.RawMessage(`"late"`))
	if err != nil || applied {
		t.Fatalf("second finish: applied=%v err=%v", applied, err)
	}
	applied, err = st.MarkRunStarted(ctx, run.ID, now)
	if err != nil || applied {
		t.Fatalf("restart after finish: applied=%v err=%v", applied, err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if string(got.Output) != `{"ok":true}` || got.Error != nil {
		t.Fatalf("output=%s error=%s", got.Output, got.Error)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Fatalf("timestamps missing: %+v", got)
	}

	if _, err := st.MarkRunStarted(ctx, "run_missing", now); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("missing run error = %v", err)
	}
	if _, err := st.MarkRunFinished(ctx, run.ID, core.RunStatusRunning, now, nil, nil); err == nil {
		t.Fatal("expected error for non-terminal finish status")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, st, "org_1", "tsk_1")
	var ids []string
	for i := 0; i < 3; i++ {
		run := &core.Run{
			ID: core.NewRunID(), AutomationID: a.ID, DeploymentID: "dep_1",
			Trigger: core.TriggerScheduled, Status: core.RunStatusPending,
		}
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatalf("insert run: %v", err)
		}
		ids = append(ids, run.ID)
	}
	runs, err := st.ListRuns(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Fatalf("order = %s,%s want %s,%s", runs[0].ID, runs[1].ID, ids[2], ids[1])
	}
	n, err := st.CountActiveRuns(ctx, a.ID)
	if err != nil || n != 3 {
		t.Fatalf("active runs = %d err=%v", n, err)
	}
	stuck, err := st.ListUnfinishedRuns(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || len(stuck) != 3 {
		t.Fatalf("unfinished = %d err=%v", len(stuck), err)
	}
	stuck, err = st.ListUnfinishedRuns(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || len(stuck) != 0 {
		t.Fatalf("unfinished before cutoff = %d err=%v", len(stuck), err)
	}
}

func TestListRunsOrdersSubsecondTimes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, st, "org_1", "tsk_1")
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	offsets := []time.Duration{0, 100 * time.Millisecond, 120 * time.Millisecond}
	var ids []string
	for _, off := range offsets {
		run := &core.Run{
			ID: core.NewRunID(), AutomationID: a.ID, DeploymentID: "dep_1",
			Trigger: core.TriggerManual, Status: core.RunStatusPending, CreatedAt: base.Add(off),
		}
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatalf("insert run: %v", err)
		}
		ids = append(ids, run.ID)
	}
	runs, err := st.ListRuns(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	want := []string{ids[2], ids[1], ids[0]}
	for i, run := range runs {
		if run.ID != want[i] {
			t.Fatalf("runs[%d] = %s (%s), want %s", i, run.ID, run.CreatedAt.Format(time.RFC3339Nano), want[i])
		}
	}
	if !runs[2].CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", runs[2].CreatedAt, base)
	}

	stuck, err := st.ListUnfinishedRuns(ctx, base.Add(110*time.Millisecond))
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(stuck) != 2 || stuck[0].ID != ids[0] || stuck[1].ID != ids[1] {
		t.Fatalf("unfinished before cutoff = %d runs, want the first two", len(stuck))
	}
}

func TestResolveSecretSatisfiesAllRequestsForName(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a1 := seedAutomation(t, st, "org_1", "tsk_1")
	a2 := seedAutomation(t, st, "org_1", "tsk_2")
	other := seedAutomation(t, st, "org_2", "tsk_3")
	for _, a := range []*core.Automation{a1, a2, other} {
		req := &core.SecretRequest{
			AutomationID: a.ID, OrganizationID: a.OrganizationID, Name: "GITHUB_TOKEN",
			Description: "GitHub PAT", Category: "api_key", ExampleValue: "ghp_xxx", Reason: "list repos",
		}
		if err := st.InsertSecretRequest(ctx, req); err != nil {
			t.Fatalf("insert request: %v", err)
		}
		if req.ID == 0 {
			t.Fatal("request id not assigned")
		}
	}

	automations, err := st.ResolveSecret(ctx, "org_1", "GITHUB_TOKEN", "sealed", time.Now().UTC())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(automations) != 2 {
		t.Fatalf("satisfied automations = %v", automations)
	}

	outstanding := core.SecretOutstanding
	for _, a := range []*core.Automation{a1, a2} {
		reqs, err := st.ListSecretRequests(ctx, a.ID, &outstanding)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(reqs) != 0 {
			t.Fatalf("automation %s still has %d outstanding", a.ID, len(reqs))
		}
	}
	reqs, err := st.ListSecretRequests(ctx, other.ID, &outstanding)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("other org outstanding = %d err=%v", len(reqs), err)
	}

	names, err := st.StoredSecretNames(ctx, "org_1", []string{"GITHUB_TOKEN", "SLACK_TOKEN"})
	if err != nil {
		t.Fatalf("stored names: %v", err)
	}
	if !names["GITHUB_TOKEN"] || names["SLACK_TOKEN"] {
		t.Fatalf("stored names = %v", names)
	}
	if _, err := st.GetSecret(ctx, "org_2", "GITHUB_TOKEN"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("cross-org secret error = %v", err)
	}
}

func TestLatestRemediation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, st, "org_1", "tsk_1")
	if _, err := st.LatestRemediation(ctx, a.ID); !errors.Is(err, ErrRemediationNotFound) {
		t.Fatalf("empty latest error = %v", err)
	}
	for _, summary := range []string{"first", "second"} {
		r := &core.Remediation{RunID: "run_1", AutomationID: a.ID, Fix: json.RawMessage(`{"summary":"` + summary + `"}`)}
		if err := st.InsertRemediation(ctx, r); err != nil {
			t.Fatalf("insert remediation: %v", err)
		}
	}
	latest, err := st.LatestRemediation(ctx, a.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(latest.Fix) != `{"summary":"second"}` {
		t.Fatalf("latest fix = %s", latest.Fix)
	}
	if err := st.MarkRemediationApplied(ctx, latest.ID); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	latest, _ = st.LatestRemediation(ctx, a.ID)
	if !latest.Applied {
		t.Fatal("remediation not marked applied")
	}
}

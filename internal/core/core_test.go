package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{expr: "0 9 * * 1", wantErr: false},
		{expr: "*/15 * * * *", wantErr: false},
		{expr: "", wantErr: true},
		{expr: "@weekly", wantErr: true},
		{expr: "0 0 9 * * 1", wantErr: true},
		{expr: "not a cron", wantErr: true},
	}
	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCron(%q) err=%v, wantErr=%v", tt.expr, err, tt.wantErr)
		}
		if err != nil && KindOf(err) != KindValidation {
			t.Fatalf("ParseCron(%q) kind=%s, want %s", tt.expr, KindOf(err), KindValidation)
		}
	}
}

func TestNextRun(t *testing.T) {
	expr := "0 9 * * 1"
	a := &Automation{Cron: &expr}
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) // Wednesday
	next, err := NextRun(a, base)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want %s", next, want)
	}

	if _, err := NextRun(&Automation{}, base); !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("expected ErrNoSchedule, got %v", err)
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for status, want := range map[RunStatus]bool{
		RunStatusPending:   false,
		RunStatusRunning:   false,
		RunStatusCompleted: true,
		RunStatusFailed:    true,
	} {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s.Terminal()=%v, want %v", status, got, want)
		}
		run := &Run{Status: status}
		if run.IsCompleted() != want {
			t.Fatalf("IsCompleted mismatch for %s", status)
		}
	}
}

func TestIDPrefixes(t *testing.T) {
	if id := NewRunID(); !strings.HasPrefix(id, "run_") || len(id) != len("run_")+36 {
		t.Fatalf("unexpected run id %q", id)
	}
	if NewAutomationID() == NewAutomationID() {
		t.Fatal("automation ids must be unique")
	}
}

func TestErrorKind(t *testing.T) {
	base := errors.New("boom")
	err := E(KindUnavailable, "put object", base)
	if !errors.Is(err, base) {
		t.Fatal("classified error must unwrap to its cause")
	}
	if !IsRetryable(err) {
		t.Fatal("unavailable errors are retryable")
	}
	if KindOf(base) != KindInternal {
		t.Fatal("unclassified errors default to internal")
	}
}

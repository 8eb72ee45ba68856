package process

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func testRunner() *Runner {
	return NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)
	res, err := testRunner().Run(context.Background(), Spec{
		Args: []string{"/bin/sh", "-c", `echo '{"users":3}'; echo warn >&2`},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, exit=%v", res.ExitCode)
	}
	out, failure := Interpret(res)
	if failure != nil {
		t.Fatalf("unexpected failure payload %s", failure)
	}
	if string(out) != `{"users":3}` {
		t.Fatalf("output=%s", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)
	res, err := testRunner().Run(context.Background(), Spec{
		Args: []string{"/bin/sh", "-c", "echo 'AccessDenied: iam:ListUsers' >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, failure := Interpret(res)
	if out != nil {
		t.Fatalf("unexpected output %s", out)
	}
	var f Failure
	if err := json.Unmarshal(failure, &f); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if f.ExitCode == nil || *f.ExitCode != 3 {
		t.Fatalf("exit code=%v", f.ExitCode)
	}
	if len(f.Logs) != 1 || f.Logs[0] != "AccessDenied: iam:ListUsers" {
		t.Fatalf("logs=%v", f.Logs)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	res, err := testRunner().Run(context.Background(), Spec{
		Args:    []string{"/bin/sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected timeout")
	}
	if res.Succeeded() {
		t.Fatal("timed out process must not succeed")
	}
}

func TestRunStartFailure(t *testing.T) {
	_, err := testRunner().Run(context.Background(), Spec{Args: []string{"/definitely/not/here"}})
	if err == nil {
		t.Fatal("expected start error")
	}
}

func TestStageAndExpand(t *testing.T) {
	dir, path, err := Stage(t.TempDir(), "tsk_1.js", []byte("console.log(1)"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer os.RemoveAll(dir)
	if filepath.Base(path) != "tsk_1.js" {
		t.Fatalf("path=%s", path)
	}
	args := ExpandCommand([]string{"node", "{file}", "--entry={handler}"}, path, "handler")
	if args[1] != path || args[2] != "--entry=handler" {
		t.Fatalf("args=%v", args)
	}
}

func TestEncodeOutputPlainText(t *testing.T) {
	if got := string(encodeOutput([]byte("hello\n"))); got != `"hello"` {
		t.Fatalf("got %s", got)
	}
	if got := string(encodeOutput([]byte("progress\n{\"ok\":true}\n"))); got != `{"ok":true}` {
		t.Fatalf("got %s", got)
	}
	if got := string(encodeOutput(nil)); got != "null" {
		t.Fatalf("got %s", got)
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, _ := b.Write([]byte("abcdef"))
	if n != 6 || string(b.Bytes()) != "abcd" {
		t.Fatalf("n=%d bytes=%q", n, b.Bytes())
	}
}

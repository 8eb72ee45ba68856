package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"evidenceflow/internal/core"
	"evidenceflow/internal/logging"
)

func TestBarkNotifierPostsForm(t *testing.T) {
	var got http.Header
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{"title": r.PostForm.Get("title"), "body": r.PostForm.Get("body"), "group": r.PostForm.Get("group")}
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/devicekey/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := n.Send(context.Background(), "t", "b"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Get("Content-Type") != "application/x-www-form-urlencoded" || form["title"] != "t" || form["group"] != "evidenceflow" {
		t.Fatalf("headers=%v form=%v", got, form)
	}
}

func TestBarkNotifierErrors(t *testing.T) {
	if _, err := NewBarkNotifier("  "); err == nil {
		t.Fatal("empty url accepted")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	n, _ := NewBarkNotifier(srv.URL)
	if err := n.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("status 400 not reported")
	}
}

type recorder struct {
	title, body string
	err         error
}

func (r *recorder) Send(ctx context.Context, title, body string) error {
	r.title, r.body = title, body
	return r.err
}

func TestMultiNotifierReachesAll(t *testing.T) {
	first := &recorder{err: errors.New("down")}
	second := &recorder{}
	err := NewMultiNotifier(first, second).Send(context.Background(), "t", "b")
	if err == nil || second.title != "t" {
		t.Fatalf("err=%v second=%+v", err, second)
	}
}

func TestRunFailedMessage(t *testing.T) {
	rec := &recorder{}
	run := &core.Run{
		ID: "run_1", AutomationID: "aut_1", Trigger: core.TriggerScheduled, Status: core.RunStatusFailed,
		Error: json.RawMessage(`{"message":"handler exited with a non-zero status","logs":["a","b","c","d","e","f"]}`),
	}
	NewFailureAlerts(rec, logging.Discard()).RunFailed(context.Background(), run)
	if rec.title != "Automation aut_1 failed" {
		t.Fatalf("title = %q", rec.title)
	}
	lines := strings.Split(rec.body, "\n")
	if lines[0] != "Run run_1 (scheduled)" || lines[len(lines)-1] != "..." || len(lines) != 7 {
		t.Fatalf("body = %q", rec.body)
	}
}

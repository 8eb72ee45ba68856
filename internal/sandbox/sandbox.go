// Package sandbox provides short-lived execution sessions used to validate a
// handler before it is promoted.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"evidenceflow/internal/scripts"
)

// Status is the liveness of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// DefaultTimeout is the lifetime of a session when none is configured.
const DefaultTimeout = 600 * time.Second

// PollInterval is how often a Monitor asks for the session status.
const PollInterval = time.Second

var (
	ErrSessionNotFound = errors.New("sandbox session not found")
	ErrSessionStopped  = errors.New("sandbox session stopped")
)

// Session is an ephemeral execution environment owned by one authoring conversation.
type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValidationResult reports one handler execution inside a session.
type ValidationResult struct {
	Passed      bool            `json:"passed"`
	ContentHash string          `json:"contentHash"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	DurationMS  int64           `json:"durationMs"`
}

// Host creates and controls sandbox sessions. Sessions are torn down by the
// host once their timeout elapses.
type Host interface {
	Create(ctx context.Context, timeout time.Duration) (*Session, error)
	Status(ctx context.Context, id string) (Status, error)
	Stop(ctx context.Context, id string) error
	Validate(ctx context.Context, id string, obj *scripts.Object, env map[string]string) (*ValidationResult, error)
}

// ReportedStatus is the status surfaced to the conversation for an
// observation. A stopped observation for a session that is still wanted is
// treated as transient and reported as running.
func ReportedStatus(wanted bool, observed Status) Status {
	if wanted && observed == StatusStopped {
		return StatusRunning
	}
	return observed
}

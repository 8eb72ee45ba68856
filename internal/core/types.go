package core

import (
	"encoding/json"
	"time"
)

// AutomationStatus describes the lifecycle state of an automation.
type AutomationStatus string

const (
	AutomationStatusDraft    AutomationStatus = "draft"
	AutomationStatusActive   AutomationStatus = "active"
	AutomationStatusInactive AutomationStatus = "inactive"
)

// AuthoringState tracks where the authoring conversation of an automation stands.
type AuthoringState string

const (
	AuthoringDrafting        AuthoringState = "drafting"
	AuthoringBlockedOnSecret AuthoringState = "blocked_on_secret"
	AuthoringReadyToPromote  AuthoringState = "ready_to_promote"
)

// RunStatus describes the state of an individual invocation.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Trigger records what caused a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	return t == TriggerManual || t == TriggerScheduled
}

// Automation is the organization and task scoped configuration of one
// evidence-collecting handler.
type Automation struct {
	ID             string
	OrganizationID string
	TaskID         string
	Name           string
	Status         AutomationStatus
	AuthoringState AuthoringState
	Cron           *string
	ScriptKey      string
	ValidatedHash  *string
	DeploymentID   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScriptMetadata travels with the handler source in the script store and is
// copied unchanged into deployments.
type ScriptMetadata struct {
	Runtime   string   `json:"runtime" cbor:"1,keyasint"`
	Handler   string   `json:"handler" cbor:"2,keyasint"`
	Packaging string   `json:"packaging" cbor:"3,keyasint"`
	Language  string   `json:"language" cbor:"4,keyasint"`
	Secrets   []string `json:"secrets,omitempty" cbor:"5,keyasint,omitempty"`
}

// Deployment is a promoted, invokable snapshot of a handler.
type Deployment struct {
	ID           string
	AutomationID string
	ScriptKey    string
	ContentHash  string
	Content      []byte
	Metadata     ScriptMetadata
	CreatedAt    time.Time
}

// Run captures a single invocation of a deployed handler.
type Run struct {
	ID           string
	AutomationID string
	DeploymentID string
	Trigger      Trigger
	Status       RunStatus
	Output       json.RawMessage
	Error        json.RawMessage
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
}

// IsCompleted reports whether the run reached a terminal state.
func (r *Run) IsCompleted() bool {
	return r.Status.Terminal()
}

// SecretState is the binary resolution state of a secret request.
type SecretState string

const (
	SecretOutstanding SecretState = "outstanding"
	SecretSatisfied   SecretState = "satisfied"
)

// SecretRequest is a credential the authoring agent asked a human to supply.
type SecretRequest struct {
	ID             int64
	AutomationID   string
	OrganizationID string
	Name           string
	Description    string
	Category       string
	ExampleValue   string
	Reason         string
	State          SecretState
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Remediation is a structured fix proposed for a failed run.
type Remediation struct {
	ID           int64
	RunID        string
	AutomationID string
	Fix          json.RawMessage
	Applied      bool
	CreatedAt    time.Time
}

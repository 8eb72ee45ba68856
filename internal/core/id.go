package core

import (
	"github.com/google/uuid"
)

// ID prefixes keep identifiers self-describing in logs and URLs.
const (
	prefixAutomation = "aut_"
	prefixRun        = "run_"
	prefixDeployment = "dep_"
	prefixSandbox    = "sbx_"
	prefixToken      = "tok_"
)

func newID(prefix string) string {
	return prefix + uuid.NewString()
}

// NewAutomationID returns a fresh automation identifier.
func NewAutomationID() string { return newID(prefixAutomation) }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return newID(prefixRun) }

// NewDeploymentID returns a fresh deployment identifier.
func NewDeploymentID() string { return newID(prefixDeployment) }

// NewSandboxID returns a fresh sandbox session identifier.
func NewSandboxID() string { return newID(prefixSandbox) }

// NewTokenID returns a fresh access token identifier.
func NewTokenID() string { return newID(prefixToken) }

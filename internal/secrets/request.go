// Package secrets implements the protocol through which the authoring agent
// asks a human for credentials and the pipeline later injects them.
package secrets

import (
	"fmt"
	"regexp"
	"strings"

	"evidenceflow/internal/core"
)

var namePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// DefaultCategory applies when a request does not name one.
const DefaultCategory = "credential"

// Request is a validated ask for one credential.
type Request struct {
	SecretName   string `json:"secretName"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	ExampleValue string `json:"exampleValue,omitempty"`
	Reason       string `json:"reason"`
}

// ValidName reports whether name is an acceptable secret name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ParseRequest validates tool-call arguments into a Request.
func ParseRequest(args map[string]any) (Request, error) {
	str := func(key string) (string, error) {
		v, ok := args[key]
		if !ok || v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", core.Invalid("request secret", "%s must be a string", key)
		}
		return strings.TrimSpace(s), nil
	}
	var (
		req Request
		err error
	)
	if req.SecretName, err = str("secretName"); err != nil {
		return Request{}, err
	}
	if req.Description, err = str("description"); err != nil {
		return Request{}, err
	}
	if req.Category, err = str("category"); err != nil {
		return Request{}, err
	}
	if req.ExampleValue, err = str("exampleValue"); err != nil {
		return Request{}, err
	}
	if req.Reason, err = str("reason"); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks required fields and the name grammar. It fills defaults.
func (r *Request) Validate() error {
	if r.SecretName == "" {
		return core.Invalid("request secret", "secretName is required")
	}
	if !ValidName(r.SecretName) {
		return core.Invalid("request secret", "secretName %q must match %s", r.SecretName, namePattern.String())
	}
	if r.Description == "" {
		return core.Invalid("request secret", "description is required")
	}
	if r.Reason == "" {
		return core.Invalid("request secret", "reason is required")
	}
	if r.Category == "" {
		r.Category = DefaultCategory
	}
	return nil
}

// Render produces the message shown to the human. The conversation does not
// continue until the credential has been supplied.
func Render(r Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action required: this automation needs the secret %s before it can continue.\n", r.SecretName)
	fmt.Fprintf(&b, "What it is: %s (%s)\n", r.Description, r.Category)
	fmt.Fprintf(&b, "Why it is needed: %s\n", r.Reason)
	if r.ExampleValue != "" {
		fmt.Fprintf(&b, "Expected format: %s\n", r.ExampleValue)
	}
	b.WriteString("Add it in the organization secrets, then reply here to resume.")
	return b.String()
}

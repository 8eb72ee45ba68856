// Package remediation turns failing handler logs into structured fix
// suggestions produced by constrained model output.
package remediation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// Category classifies the root cause of a failure.
type Category string

const (
	CategoryCode        Category = "code"
	CategoryCredentials Category = "credentials"
	CategoryPermissions Category = "permissions"
	CategoryNetwork     Category = "network"
	CategoryData        Category = "data"
	CategoryUnknown     Category = "unknown"
)

func (c Category) valid() bool {
	switch c {
	case CategoryCode, CategoryCredentials, CategoryPermissions, CategoryNetwork, CategoryData, CategoryUnknown:
		return true
	}
	return false
}

// StructuredFix is the only shape a suggestion may take.
type StructuredFix struct {
	Summary       string   `json:"summary" jsonschema:"description=One sentence describing the fix"`
	RootCause     string   `json:"rootCause" jsonschema:"description=What in the logs shows the cause of the failure"`
	Category      Category `json:"category" jsonschema:"enum=code,enum=credentials,enum=permissions,enum=network,enum=data,enum=unknown"`
	Confidence    float64  `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Steps         []string `json:"steps" jsonschema:"description=Ordered actions that resolve the failure"`
	PatchedSource string   `json:"patchedSource" jsonschema:"description=Complete corrected handler source when the fix is a code change, otherwise empty"`
}

// ErrInvalidFix is returned when the model output does not satisfy the schema.
var ErrInvalidFix = errors.New("model output is not a valid structured fix")

// Validate checks the constraints the schema declares.
func (f *StructuredFix) Validate() error {
	if strings.TrimSpace(f.Summary) == "" {
		return fmt.Errorf("%w: summary is empty", ErrInvalidFix)
	}
	if !f.Category.valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidFix, f.Category)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidFix, f.Confidence)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidFix)
	}
	return nil
}

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
	schemaErr  error
)

// Schema returns the JSON schema of StructuredFix.
func Schema() (json.RawMessage, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		s := r.Reflect(&StructuredFix{})
		s.Version = ""
		s.ID = ""
		schemaJSON, schemaErr = json.Marshal(s)
	})
	return schemaJSON, schemaErr
}

// parseFix decodes and validates model output.
func parseFix(content string) (*StructuredFix, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(content)))
	dec.DisallowUnknownFields()
	var fix StructuredFix
	if err := dec.Decode(&fix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFix, err)
	}
	if err := fix.Validate(); err != nil {
		return nil, err
	}
	return &fix, nil
}

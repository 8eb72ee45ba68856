package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"evidenceflow/internal/core"
	"evidenceflow/internal/store"
)

// ErrUnresolved is returned when a declared secret has no stored value.
var ErrUnresolved = errors.New("secret not resolved")

// Service persists secret requests and sealed values.
type Service struct {
	store  *store.Store
	vault  *Vault
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st *store.Store, vault *Vault, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, vault: vault, logger: logger.With("component", "secrets"), now: time.Now}
}

// Raise records an outstanding request for the automation.
func (s *Service) Raise(ctx context.Context, a *core.Automation, req Request) (*core.SecretRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rec := &core.SecretRequest{
		AutomationID:   a.ID,
		OrganizationID: a.OrganizationID,
		Name:           req.SecretName,
		Description:    req.Description,
		Category:       req.Category,
		ExampleValue:   req.ExampleValue,
		Reason:         req.Reason,
		State:          core.SecretOutstanding,
	}
	if err := s.store.InsertSecretRequest(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("secret requested", "automation_id", a.ID, "org_id", a.OrganizationID, "secret", req.SecretName)
	return rec, nil
}

// Resolve stores the value for name and satisfies every outstanding request
// for it in the organization. Automations left with no outstanding request
// return to drafting. Nothing is retried automatically.
func (s *Service) Resolve(ctx context.Context, orgID, name, value string) ([]string, error) {
	if !ValidName(name) {
		return nil, core.Invalid("resolve secret", "invalid secret name %q", name)
	}
	if value == "" {
		return nil, core.Invalid("resolve secret", "value is required")
	}
	sealed, err := s.vault.Seal([]byte(value))
	if err != nil {
		return nil, core.E(core.KindInternal, "resolve secret", err)
	}
	automations, err := s.store.ResolveSecret(ctx, orgID, name, sealed, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, id := range automations {
		if err := s.unblock(ctx, id); err != nil {
			s.logger.Error("unblock automation failed", "automation_id", id, "err", err)
		}
	}
	s.logger.Info("secret resolved", "org_id", orgID, "secret", name, "automations", len(automations))
	return automations, nil
}

func (s *Service) unblock(ctx context.Context, automationID string) error {
	outstanding, err := s.Outstanding(ctx, automationID)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return nil
	}
	a, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	if a.AuthoringState != core.AuthoringBlockedOnSecret {
		return nil
	}
	a.AuthoringState = core.AuthoringDrafting
	return s.store.UpdateAutomation(ctx, a)
}

// Outstanding lists the unresolved requests of an automation.
func (s *Service) Outstanding(ctx context.Context, automationID string) ([]*core.SecretRequest, error) {
	state := core.SecretOutstanding
	return s.store.ListSecretRequests(ctx, automationID, &state)
}

// Unresolved returns the names with no stored value in the organization.
func (s *Service) Unresolved(ctx context.Context, orgID string, names []string) ([]string, error) {
	stored, err := s.store.StoredSecretNames(ctx, orgID, names)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, n := range names {
		if !stored[n] {
			missing = append(missing, n)
		}
	}
	return missing, nil
}

// Env decrypts the named secrets for injection into an execution environment.
func (s *Service) Env(ctx context.Context, orgID string, names []string) (map[string]string, error) {
	env := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		sealed, err := s.store.GetSecret(ctx, orgID, name)
		if err != nil {
			if errors.Is(err, store.ErrSecretNotFound) {
				missing = append(missing, name)
				continue
			}
			return nil, err
		}
		value, err := s.vault.Open(sealed)
		if err != nil {
			return nil, core.E(core.KindInternal, "secret env", fmt.Errorf("open %s: %w", name, err))
		}
		env[name] = string(value)
	}
	if len(missing) > 0 {
		return nil, core.E(core.KindConflict, "secret env", fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(missing, ", ")))
	}
	return env, nil
}

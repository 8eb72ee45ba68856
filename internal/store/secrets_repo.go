package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidenceflow/internal/core"
)

var ErrSecretNotFound = errors.New("secret not found")

const secretRequestColumns = `id, automation_id, organization_id, secret_name, description, category, example_value,
	reason, state, created_at, resolved_at`

func (s *Store) InsertSecretRequest(ctx context.Context, req *core.SecretRequest) error {
	req.CreatedAt = time.Now().UTC()
	if req.State == "" {
		req.State = core.SecretOutstanding
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO secret_requests (automation_id, organization_id, secret_name, description, category,
			example_value, reason, state, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.AutomationID, req.OrganizationID, req.Name, req.Description, req.Category, req.ExampleValue,
		req.Reason, req.State, formatTime(req.CreatedAt), nullableTime(req.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert secret request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("secret request id: %w", err)
	}
	req.ID = id
	return nil
}

// ListSecretRequests returns the requests raised for an automation in
// creation order, optionally filtered by state.
func (s *Store) ListSecretRequests(ctx context.Context, automationID string, state *core.SecretState) ([]*core.SecretRequest, error) {
	query := `SELECT ` + secretRequestColumns + ` FROM secret_requests WHERE automation_id = ?`
	args := []any{automationID}
	if state != nil {
		query += ` AND state = ?`
		args = append(args, *state)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list secret requests: %w", err)
	}
	defer rows.Close()
	var out []*core.SecretRequest
	for rows.Next() {
		req, err := scanSecretRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveSecret stores the sealed value and satisfies every outstanding
// request for the name in the organization. It returns the automations whose
// requests were satisfied.
func (s *Store) ResolveSecret(ctx context.Context, orgID, name, ciphertext string, at time.Time) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve secret: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO secrets (organization_id, name, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(organization_id, name) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at
	`, orgID, name, ciphertext, formatTime(at)); err != nil {
		return nil, fmt.Errorf("store secret: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT automation_id FROM secret_requests
		WHERE organization_id = ? AND secret_name = ? AND state = ?
	`, orgID, name, core.SecretOutstanding)
	if err != nil {
		return nil, fmt.Errorf("query outstanding requests: %w", err)
	}
	var automations []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		automations = append(automations, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE secret_requests SET state = ?, resolved_at = ?
		WHERE organization_id = ? AND secret_name = ? AND state = ?
	`, core.SecretSatisfied, formatTime(at), orgID, name, core.SecretOutstanding); err != nil {
		return nil, fmt.Errorf("satisfy secret requests: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit resolve secret: %w", err)
	}
	return automations, nil
}

func (s *Store) GetSecret(ctx context.Context, orgID, name string) (string, error) {
	var ciphertext string
	err := s.DB.QueryRowContext(ctx, `
		SELECT ciphertext FROM secrets WHERE organization_id = ? AND name = ?
	`, orgID, name).Scan(&ciphertext)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("get secret: %w", err)
	}
	return ciphertext, nil
}

// StoredSecretNames returns the subset of names that have a stored value in the organization.
func (s *Store) StoredSecretNames(ctx context.Context, orgID string, names []string) (map[string]bool, error) {
	found := make(map[string]bool, len(names))
	if len(names) == 0 {
		return found, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, 0, len(names)+1)
	args = append(args, orgID)
	for _, n := range names {
		args = append(args, n)
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name FROM secrets WHERE organization_id = ? AND name IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query secret names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found[name] = true
	}
	return found, rows.Err()
}

func scanSecretRequest(row scanner) (*core.SecretRequest, error) {
	var (
		req        core.SecretRequest
		state      string
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := row.Scan(&req.ID, &req.AutomationID, &req.OrganizationID, &req.Name, &req.Description, &req.Category,
		&req.ExampleValue, &req.Reason, &state, &createdAt, &resolvedAt); err != nil {
		return nil, fmt.Errorf("scan secret request: %w", err)
	}
	req.State = core.SecretState(state)
	var err error
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	return &req, nil
}

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

var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrAutomationExists   = errors.New("task already has an automation")
	ErrAmbiguousTask      = errors.New("task id matches automations in several organizations")
)

const automationColumns = `id, organization_id, task_id, name, status, authoring_state, cron, script_key,
	validated_hash, deployment_id, created_at, updated_at`

func (s *Store) InsertAutomation(ctx context.Context, a *core.Automation) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO automations (`+automationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.OrganizationID, a.TaskID, a.Name, a.Status, a.AuthoringState, nullableString(a.Cron), a.ScriptKey,
		nullableString(a.ValidatedHash), nullableString(a.DeploymentID), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAutomationExists
		}
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

func (s *Store) UpdateAutomation(ctx context.Context, a *core.Automation) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE automations
		SET name = ?, status = ?, authoring_state = ?, cron = ?, script_key = ?, validated_hash = ?,
			deployment_id = ?, updated_at = ?
		WHERE id = ?
	`, a.Name, a.Status, a.AuthoringState, nullableString(a.Cron), a.ScriptKey, nullableString(a.ValidatedHash),
		nullableString(a.DeploymentID), formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update automation rows: %w", err)
	}
	if rows == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*core.Automation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = ?`, id)
	a, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAutomationNotFound
		}
		return nil, err
	}
	return a, nil
}

// GetAutomationByTask resolves the automation owned by a task. Task
// identifiers are expected to be unique across organizations.
func (s *Store) GetAutomationByTask(ctx context.Context, taskID string) (*core.Automation, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE task_id = ? LIMIT 2`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query automation by task: %w", err)
	}
	defer rows.Close()
	var found []*core.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, ErrAutomationNotFound
	case 1:
		return found[0], nil
	default:
		return nil, ErrAmbiguousTask
	}
}

func (s *Store) ListAutomations(ctx context.Context, status *core.AutomationStatus) ([]*core.Automation, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+automationColumns+` FROM automations
			WHERE status = ?
			ORDER BY created_at DESC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+automationColumns+` FROM automations ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query automations: %w", err)
	}
	defer rows.Close()
	var out []*core.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAutomation(row scanner) (*core.Automation, error) {
	var (
		a             core.Automation
		status        string
		state         string
		cronExpr      sql.NullString
		validatedHash sql.NullString
		deploymentID  sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.TaskID, &a.Name, &status, &state, &cronExpr, &a.ScriptKey,
		&validatedHash, &deploymentID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan automation: %w", err)
	}
	a.Status = core.AutomationStatus(status)
	a.AuthoringState = core.AuthoringState(state)
	if cronExpr.Valid {
		a.Cron = &cronExpr.String
	}
	if validatedHash.Valid {
		a.ValidatedHash = &validatedHash.String
	}
	if deploymentID.Valid {
		a.DeploymentID = &deploymentID.String
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

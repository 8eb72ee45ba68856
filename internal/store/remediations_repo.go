package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evidenceflow/internal/core"
)

var ErrRemediationNotFound = errors.New("remediation not found")

func (s *Store) InsertRemediation(ctx context.Context, r *core.Remediation) error {
	r.CreatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO remediations (run_id, automation_id, fix, applied, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.RunID, r.AutomationID, string(r.Fix), r.Applied, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert remediation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("remediation id: %w", err)
	}
	r.ID = id
	return nil
}

func (s *Store) MarkRemediationApplied(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE remediations SET applied = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark remediation applied: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRemediationNotFound
	}
	return nil
}

// LatestRemediation returns the most recent remediation stored for an automation.
func (s *Store) LatestRemediation(ctx context.Context, automationID string) (*core.Remediation, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, run_id, automation_id, fix, applied, created_at
		FROM remediations
		WHERE automation_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, automationID)
	var (
		r         core.Remediation
		fix       string
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.AutomationID, &fix, &r.Applied, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRemediationNotFound
		}
		return nil, fmt.Errorf("scan remediation: %w", err)
	}
	r.Fix = json.RawMessage(fix)
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

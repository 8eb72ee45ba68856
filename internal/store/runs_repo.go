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

var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, automation_id, deployment_id, trigger_kind, status, output, error, created_at, started_at, ended_at`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.AutomationID, run.DeploymentID, run.Trigger, run.Status,
		nullableJSON(run.Output), nullableJSON(run.Error), formatTime(run.CreatedAt),
		nullableTime(run.StartedAt), nullableTime(run.EndedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunStarted moves a pending run to running. It reports false without
// error when the run exists but is no longer pending.
func (s *Store) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, core.RunStatusRunning, formatTime(startedAt), id, core.RunStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark run started: %w", err)
	}
	return s.transitionApplied(ctx, res, id)
}

// MarkRunFinished moves a non-terminal run to a terminal status. It reports
// false without error when the run already reached a terminal status.
func (s *Store) MarkRunFinished(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, output, errPayload json.RawMessage) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("mark run finished: %s is not a terminal status", status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, output = ?, error = ?,
			started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN (?, ?)
	`, status, formatTime(endedAt), nullableJSON(output), nullableJSON(errPayload), formatTime(endedAt),
		id, core.RunStatusPending, core.RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark run finished: %w", err)
	}
	return s.transitionApplied(ctx, res, id)
}

func (s *Store) transitionApplied(ctx context.Context, res sql.Result, id string) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}
	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check run: %w", err)
	}
	if exists == 0 {
		return false, ErrRunNotFound
	}
	return false, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs of an automation, newest first.
func (s *Store) ListRuns(ctx context.Context, automationID string, limit int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE automation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListUnfinishedRuns returns pending or running runs created before the cutoff, oldest first.
func (s *Store) ListUnfinishedRuns(ctx context.Context, createdBefore time.Time) ([]*core.Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status IN (?, ?) AND created_at < ?
		ORDER BY created_at ASC
	`, core.RunStatusPending, core.RunStatusRunning, formatTime(createdBefore))
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	return collectRuns(rows)
}

// CountActiveRuns counts pending or running runs of an automation.
func (s *Store) CountActiveRuns(ctx context.Context, automationID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs WHERE automation_id = ? AND status IN (?, ?)
	`, automationID, core.RunStatusPending, core.RunStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

func collectRuns(rows *sql.Rows) ([]*core.Run, error) {
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(row scanner) (*core.Run, error) {
	var (
		run       core.Run
		trigger   string
		status    string
		output    sql.NullString
		errMsg    sql.NullString
		createdAt string
		startedAt sql.NullString
		endedAt   sql.NullString
	)
	if err := row.Scan(&run.ID, &run.AutomationID, &run.DeploymentID, &trigger, &status, &output, &errMsg,
		&createdAt, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Trigger = core.Trigger(trigger)
	run.Status = core.RunStatus(status)
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid {
		run.Error = json.RawMessage(errMsg.String)
	}
	var err error
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

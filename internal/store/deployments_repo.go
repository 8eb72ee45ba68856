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

var ErrDeploymentNotFound = errors.New("deployment not found")

func (s *Store) InsertDeployment(ctx context.Context, d *core.Deployment) error {
	d.CreatedAt = time.Now().UTC()
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("encode deployment metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO deployments (id, automation_id, script_key, content_hash, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.AutomationID, d.ScriptKey, d.ContentHash, d.Content, string(meta), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*core.Deployment, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, automation_id, script_key, content_hash, content, metadata, created_at
		FROM deployments WHERE id = ?
	`, id)
	var (
		d         core.Deployment
		meta      string
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.AutomationID, &d.ScriptKey, &d.ContentHash, &d.Content, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode deployment metadata: %w", err)
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

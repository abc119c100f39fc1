package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"fnrunner/internal/models"
)

// PostgresStore implements Store on the `fn` schema
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetFunctionByID(ctx context.Context, id int64) (*models.Function, error) {
	var fn models.Function
	err := s.db.GetContext(ctx, &fn, `SELECT * FROM fn.function WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("function %d: %w", id, models.ErrFunctionNotFound)
	} else if err != nil {
		return nil, err
	}
	return &fn, nil
}

func (s *PostgresStore) GetFunctionFiles(ctx context.Context, functionID int64) ([]models.FunctionFile, error) {
	var files []models.FunctionFile
	if err := s.db.SelectContext(ctx, &files, `
SELECT *
FROM fn.function_file
WHERE function_id = $1
ORDER BY name`, functionID); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *PostgresStore) ListDueTriggers(ctx context.Context, now time.Time, limit int) ([]models.Trigger, error) {
	var triggers []models.Trigger
	if err := s.db.SelectContext(ctx, &triggers, `
SELECT *
FROM fn.trigger
WHERE enabled
  AND (next_run IS NULL OR next_run <= $1)
ORDER BY next_run NULLS FIRST, id
LIMIT $2`, now, limit); err != nil {
		return nil, err
	}
	return triggers, nil
}

func (s *PostgresStore) InitTriggerNextRun(ctx context.Context, id int64, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE fn.trigger
SET next_run = $2,
	updated_at = NOW()
WHERE id = $1
  AND next_run IS NULL`, id, nextRun)
	return err
}

func (s *PostgresStore) ClaimTrigger(ctx context.Context, id int64, expected, lastRun, nextRun time.Time, token uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE fn.trigger
SET last_run = $3,
	next_run = $4,
	claim_token = $5,
	updated_at = NOW()
WHERE id = $1
  AND next_run = $2
  AND enabled`, id, expected, lastRun, nextRun, token.String())
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trigger %d: %w", id, models.ErrTriggerClaimConflict)
	}
	return nil
}

func (s *PostgresStore) CreateTriggerLog(ctx context.Context, entry *models.TriggerLog) error {
	return s.db.QueryRowxContext(ctx, `
INSERT INTO fn.trigger_log (function_id, trigger_id, attempt, exit_code, status, logs, result)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, updated_at`,
		entry.FunctionID,
		entry.TriggerID,
		entry.Attempt,
		entry.ExitCode,
		entry.Status,
		entry.Logs,
		entry.Result,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
}

func (s *PostgresStore) ListTriggerLogs(ctx context.Context, triggerID int64, limit int) ([]models.TriggerLog, error) {
	var logs []models.TriggerLog
	if err := s.db.SelectContext(ctx, &logs, `
SELECT *
FROM fn.trigger_log
WHERE trigger_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, triggerID, limit); err != nil {
		return nil, err
	}
	return logs, nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fnrunner/internal/models"
)

// FunctionSource reads function definitions
type FunctionSource interface {
	GetFunctionByID(ctx context.Context, id int64) (*models.Function, error)
	GetFunctionFiles(ctx context.Context, functionID int64) ([]models.FunctionFile, error)
}

// TriggerStore holds the schedule state written by the trigger clock
type TriggerStore interface {
	// ListDueTriggers returns enabled triggers whose next run is at or before now, or unset
	ListDueTriggers(ctx context.Context, now time.Time, limit int) ([]models.Trigger, error)
	// InitTriggerNextRun sets the next run of a trigger that has never been scheduled
	InitTriggerNextRun(ctx context.Context, id int64, nextRun time.Time) error
	// ClaimTrigger moves next run from expected to nextRun and records lastRun in the same write. It
	// returns models.ErrTriggerClaimConflict when another evaluator got there first.
	ClaimTrigger(ctx context.Context, id int64, expected, lastRun, nextRun time.Time, token uuid.UUID) error
}

// TriggerLogStore persists trigger execution history
type TriggerLogStore interface {
	CreateTriggerLog(ctx context.Context, entry *models.TriggerLog) error
	ListTriggerLogs(ctx context.Context, triggerID int64, limit int) ([]models.TriggerLog, error)
}

// Store is the full persistence contract used by the engine
type Store interface {
	FunctionSource
	TriggerStore
	TriggerLogStore
}

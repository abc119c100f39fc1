package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// Trigger is a model representing the `fn.trigger` table. The clock only ever writes LastRun,
// NextRun and ClaimToken.
type Trigger struct {
	ID         int64       `db:"id" json:"id"`
	FunctionID int64       `db:"function_id" json:"functionId"`
	Name       string      `db:"name" json:"name"`
	Cron       string      `db:"cron" json:"cron"`
	Data       null.String `db:"data" json:"data"` // passed unmodified as the invocation payload
	Enabled    bool        `db:"enabled" json:"enabled"`
	LastRun    null.Time   `db:"last_run" json:"lastRun"`
	NextRun    null.Time   `db:"next_run" json:"nextRun"`
	ClaimToken null.String `db:"claim_token" json:"-"`
	CreatedAt  time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updatedAt"`
}

// TriggerLog is a model representing the `fn.trigger_log` table. Rows are append-only.
type TriggerLog struct {
	ID         int64     `db:"id" json:"id"`
	FunctionID int64     `db:"function_id" json:"functionId"`
	TriggerID  int64     `db:"trigger_id" json:"triggerId"`
	Attempt    int       `db:"attempt" json:"attempt"`
	ExitCode   int       `db:"exit_code" json:"exitCode"`
	Status     string    `db:"status" json:"status"`
	Logs       string    `db:"logs" json:"logs"`
	Result     []byte    `db:"result" json:"result"` // JSON document, see recorder.TriggerLogResult
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

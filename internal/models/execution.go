package models

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

type Origin string

const (
	OriginHTTP    Origin = "http"
	OriginTrigger Origin = "trigger"
	OriginCLI     Origin = "cli"
)

type IdentityKind string

const (
	IdentityNone  IdentityKind = "none"
	IdentityOwner IdentityKind = "owner"
	IdentityGuest IdentityKind = "guest"
	IdentityToken IdentityKind = "token"
)

// Identity is the resolved caller of an invocation
type Identity struct {
	Kind    IdentityKind `json:"kind"`
	UserID  int64        `json:"userId,omitempty"`  // owner and token identities
	GuestID int64        `json:"guestId,omitempty"` // guest identities
}

// Anonymous is the identity of a caller without credentials
var Anonymous = Identity{Kind: IdentityNone}

// ExecutionRequest is the transient intent to run a function once. It is never persisted.
type ExecutionRequest struct {
	ID          uuid.UUID `json:"id"`
	FunctionID  int64     `json:"functionId"`
	TriggerID   null.Int  `json:"triggerId"`
	Origin      Origin    `json:"origin"`
	Payload     string    `json:"payload"`
	Identity    Identity  `json:"identity"`
	RequestedAt time.Time `json:"requestedAt"`
	Attempt     int       `json:"attempt"` // 1-based

	// Function is an optional snapshot of the definition taken at admission
	Function *Function `json:"-"`
}

// NewExecutionRequest creates a first-attempt request
func NewExecutionRequest(functionID int64, origin Origin, payload string) *ExecutionRequest {
	return &ExecutionRequest{
		ID:          uuid.New(),
		FunctionID:  functionID,
		Origin:      origin,
		Payload:     payload,
		Identity:    Anonymous,
		RequestedAt: time.Now(),
		Attempt:     1,
	}
}

// NextAttempt returns a copy of the request for the following attempt. The function snapshot is dropped
// so the definition is reloaded on admission.
func (r *ExecutionRequest) NextAttempt() *ExecutionRequest {
	next := *r
	next.ID = uuid.New()
	next.RequestedAt = time.Now()
	next.Attempt = r.Attempt + 1
	next.Function = nil
	return &next
}

type ExecutionStatus string

const (
	EsCompleted   ExecutionStatus = "completed"
	EsCrashed     ExecutionStatus = "crashed"
	EsTimedOut    ExecutionStatus = "timed_out"
	EsPrepFailed  ExecutionStatus = "prep_failed"
	EsCancelled   ExecutionStatus = "cancelled"
	EsUnavailable ExecutionStatus = "unavailable"
)

// Failed is true for every status other than EsCompleted
func (s ExecutionStatus) Failed() bool {
	return s != EsCompleted
}

const (
	ExitCodeCancelled int = 990
	ExitCodeTimeOut   int = 991
	ExitCodeUnknown   int = 999
)

// ErrorMarkerTimeout is set on ExecutionResult.Error when the deadline expired
const ErrorMarkerTimeout = "TIMEOUT"

// ExecutionResult is produced exactly once for every request that reaches a terminal runner state
type ExecutionResult struct {
	RequestID  uuid.UUID       `json:"requestId"`
	Status     ExecutionStatus `json:"status"`
	ExitCode   int             `json:"exitCode"`
	Output     string          `json:"output"`           // log text outside the result block
	Raw        string          `json:"raw"`              // structured block as emitted
	Envelope   *Envelope       `json:"envelope"`         // nil when no block was emitted or it could not be parsed
	Error      string          `json:"error,omitempty"`  // marker such as TIMEOUT
	Stderr     string          `json:"stderr,omitempty"` // kept for crashed executions
	Timings    []Timing        `json:"timings"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Attempt    int             `json:"attempt"`
}

// Err returns the sentinel error matching a failed result, or nil when it completed
func (r *ExecutionResult) Err() error {
	var err error
	switch r.Status {
	case EsCompleted:
		return nil
	case EsPrepFailed:
		err = ErrPreparationFailed
	case EsTimedOut:
		err = ErrExecutionTimeout
	case EsUnavailable:
		err = ErrSandboxUnavailable
	case EsCancelled:
		err = context.Canceled
	default:
		err = ErrExecutionCrashed
	}
	if r.Error != "" && r.Error != ErrorMarkerTimeout {
		return fmt.Errorf("%w: %s", err, r.Error)
	}
	return err
}

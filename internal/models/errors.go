package models

import "errors"

var (
	ErrAdmissionRejected    = errors.New("admission rejected: function is over capacity")
	ErrAuthDenied           = errors.New("not authorized to run this function")
	ErrNotAllowed           = errors.New("function is not exposed over http")
	ErrFunctionNotFound     = errors.New("function not found")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrPreparationFailed    = errors.New("dependency preparation failed")
	ErrExecutionTimeout     = errors.New("execution timed out")
	ErrExecutionCrashed     = errors.New("execution crashed")
	ErrResultParse          = errors.New("could not parse structured result")
	ErrTriggerClaimConflict = errors.New("trigger was claimed by another evaluator")
	ErrSandboxUnavailable   = errors.New("sandbox is unavailable")
)

package scheduler

import "errors"

var (
	ErrEmptyPlan         = errors.New("plan contains no tasks")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrDuplicateAgent    = errors.New("duplicate agent id")
	ErrUnknownDependency = errors.New("dependency does not resolve to a task")
	ErrDuplicateDep      = errors.New("dependency listed more than once")
	ErrUnknownAgent      = errors.New("task references an unknown agent")
	ErrCycle             = errors.New("task graph contains a cycle")
	ErrInvalidPairing    = errors.New("invalid writer/reviewer pairing")
	ErrNotValidated      = errors.New("task graph has not been validated")

	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleResult       = errors.New("result does not match the current dispatch")
	ErrMissingVerdict    = errors.New("reviewer output carries no valid verdict")
)

package apperrors

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrGuardrailBlocked    = errors.New("blocked by unresolved guardrail violation")
	ErrSimulationFailed    = errors.New("simulation failed")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrConcurrencyConflict = errors.New("concurrent modification conflict")
	ErrAlreadyDecided      = errors.New("decision already recorded")
	ErrInvalidSetting      = errors.New("invalid setting value")
)

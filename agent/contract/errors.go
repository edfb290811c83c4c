package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrModelTimeout    = errors.New("model invoke timed out")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")
	ErrTurnFailed      = errors.New("turn failed")
)

package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrStaleState          = errors.New("record changed concurrently")
	ErrRollbackExpired     = errors.New("rollback period has expired")
	ErrRollbackUnavailable = errors.New("rollback is not available for this operation")
	ErrApprovalRequired    = errors.New("operation requires approval")
	ErrAlreadyApproved     = errors.New("step already approved")
	ErrUnknownAction       = errors.New("no handler registered for action")
	ErrTableNotFound       = errors.New("table does not exist")
	ErrDuplicate           = errors.New("record already exists")
)

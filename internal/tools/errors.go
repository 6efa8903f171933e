package tools

import "errors"

var (
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotFound          = errors.New("tool not found")
	ErrMissingRequiredArg    = errors.New("missing required argument")
	ErrToolExecuteNil        = errors.New("tool Execute is nil")
	ErrToolNameEmpty         = errors.New("tool name is empty")
)
